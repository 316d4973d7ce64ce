package client

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nerrad567/pixelbridge/internal/cache"
	"github.com/nerrad567/pixelbridge/internal/session"
)

// Client defaults.
const (
	// DefaultFlashSaveInterval is the minimum spacing between flash saves.
	DefaultFlashSaveInterval = 10 * time.Second

	// defaultHTTPTimeout bounds pattern uploads and downloads.
	defaultHTTPTimeout = 30 * time.Second
)

// Commander is the session surface the client is built on.
type Commander interface {
	SendCommand(ctx context.Context, payload any, kind session.ReplyKind) (*session.Reply, error)
	AwaitEmptyQueue(ctx context.Context, timeout time.Duration) bool
	Address() string
}

// Ensure Session implements Commander.
var _ Commander = (*session.Session)(nil)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures a Client.
type Options struct {
	// CacheTTL is how long config and pattern list replies are reused.
	// Zero disables caching.
	CacheTTL time.Duration

	// HTTPClient is used for pattern file transfer.
	HTTPClient *http.Client

	// FlashSaveInterval is the minimum spacing between requests that
	// persist settings to flash. Zero means unlimited.
	FlashSaveInterval time.Duration

	// PatternDir is where pattern files are read and written.
	PatternDir string
}

// DefaultOptions returns the standard client options.
func DefaultOptions() Options {
	return Options{
		CacheTTL:          cache.DefaultTTL,
		FlashSaveInterval: DefaultFlashSaveInterval,
		PatternDir:        ".",
	}
}

// Client issues typed commands to one controller.
//
// Reads of the hardware config and the pattern list are cached. Every
// write clears the whole cache before it is sent, so the next read always
// goes to the controller.
//
// Thread Safety: Safe for concurrent use, subject to the session rule
// that only one request per reply kind may be in flight.
type Client struct {
	sess       Commander
	cache      *cache.TTLCache
	http       *http.Client
	patternDir string

	flashMu   sync.Mutex
	flashSave bool
	limiter   *rate.Limiter

	logger   Logger
	loggerMu sync.RWMutex
}

// New creates a client on top of sess.
func New(sess Commander, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if opts.PatternDir == "" {
		opts.PatternDir = "."
	}

	limit := rate.Inf
	if opts.FlashSaveInterval > 0 {
		limit = rate.Every(opts.FlashSaveInterval)
	}

	return &Client{
		sess:       sess,
		cache:      cache.New(opts.CacheTTL),
		http:       opts.HTTPClient,
		patternDir: opts.PatternDir,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// SetLogger sets the logger for this client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// Address returns the controller's address.
func (c *Client) Address() string {
	return c.sess.Address()
}

// Cache exposes the reply cache, mainly for tests and tuning.
func (c *Client) Cache() *cache.TTLCache {
	return c.cache
}

// EnableFlashSave allows write operations to persist settings to flash.
// Without it the save argument of every write is ignored.
func (c *Client) EnableFlashSave(enabled bool) {
	c.flashMu.Lock()
	c.flashSave = enabled
	c.flashMu.Unlock()
}

// FlashSaveEnabled reports whether saves are allowed.
func (c *Client) FlashSaveEnabled() bool {
	c.flashMu.Lock()
	defer c.flashMu.Unlock()
	return c.flashSave
}

// saveValue decides the save flag actually sent for a write.
func (c *Client) saveValue(requested bool) bool {
	if !requested || !c.FlashSaveEnabled() {
		return false
	}
	if !c.limiter.Allow() {
		c.logWarn("flash save rate limited, sending without save")
		return false
	}
	return true
}

// query sends a read, serving it from the cache when key is non-empty.
func (c *Client) query(ctx context.Context, key string, cmd map[string]any, kind session.ReplyKind) (*session.Reply, error) {
	if key != "" {
		if v, ok := c.cache.Get(key); ok {
			c.logDebug("returning cached reply", "key", key)
			return v.(*session.Reply), nil
		}
	}

	gen := c.cache.Generation()
	reply, err := c.sess.SendCommand(ctx, cmd, kind)
	if err != nil {
		return nil, err
	}
	if key != "" && !c.cache.PutIfGeneration(key, reply, gen) {
		c.logDebug("cache invalidated during read, not storing reply", "key", key)
	}
	return reply, nil
}

// write clears the cache and sends a mutating command.
func (c *Client) write(ctx context.Context, cmd map[string]any, kind session.ReplyKind) (*session.Reply, error) {
	c.cache.InvalidateAll()
	return c.sess.SendCommand(ctx, cmd, kind)
}

// --- Reads ---

// HardwareConfig returns the controller's full configuration.
func (c *Client) HardwareConfig(ctx context.Context) (map[string]any, error) {
	reply, err := c.query(ctx, "getConfig", map[string]any{"getConfig": true}, session.KindConfig)
	if err != nil {
		return nil, err
	}
	return reply.Fields, nil
}

// Vars returns the variables exported by the active pattern.
func (c *Client) Vars(ctx context.Context) (map[string]any, error) {
	reply, err := c.query(ctx, "", map[string]any{"getVars": true}, session.KindVars)
	if err != nil {
		return nil, err
	}
	vars, _ := reply.Fields["vars"].(map[string]any)
	if vars == nil {
		vars = map[string]any{}
	}
	return vars, nil
}

// VariableExists reports whether the active pattern exports name.
func (c *Client) VariableExists(ctx context.Context, name string) (bool, error) {
	vars, err := c.Vars(ctx)
	if err != nil {
		return false, err
	}
	_, ok := vars[name]
	return ok, nil
}

// activeProgram returns the activeProgram object from the config.
func (c *Client) activeProgram(ctx context.Context) (map[string]any, error) {
	cfg, err := c.HardwareConfig(ctx)
	if err != nil {
		return nil, err
	}
	active, _ := cfg["activeProgram"].(map[string]any)
	if active == nil {
		active = map[string]any{}
	}
	return active, nil
}

// ActivePattern returns the id of the running pattern, or "" if none is set.
func (c *Client) ActivePattern(ctx context.Context) (string, error) {
	active, err := c.activeProgram(ctx)
	if err != nil {
		return "", err
	}
	pid, _ := active["activeProgramId"].(string)
	return pid, nil
}

// ActivePatternName returns the name of the running pattern.
func (c *Client) ActivePatternName(ctx context.Context) (string, error) {
	active, err := c.activeProgram(ctx)
	if err != nil {
		return "", err
	}
	name, _ := active["name"].(string)
	return name, nil
}

// Brightness returns the global brightness in the range 0..1.
func (c *Client) Brightness(ctx context.Context) (float64, error) {
	cfg, err := c.HardwareConfig(ctx)
	if err != nil {
		return 0, err
	}
	v, ok := cfg["brightness"].(float64)
	if !ok {
		return 0, fmt.Errorf("%w: no brightness in config", ErrUnexpectedReply)
	}
	return v, nil
}

// Controls returns the UI control values of a pattern. An empty pattern
// means the running one.
func (c *Client) Controls(ctx context.Context, pattern string) (map[string]any, error) {
	if pattern == "" {
		active, err := c.activeProgram(ctx)
		if err != nil {
			return nil, err
		}
		controls, _ := active["controls"].(map[string]any)
		if controls == nil {
			controls = map[string]any{}
		}
		return controls, nil
	}

	pid, _, err := c.ResolvePattern(ctx, pattern)
	if err != nil {
		return nil, err
	}
	reply, err := c.query(ctx, "", map[string]any{"getControls": pid}, session.KindControls)
	if err != nil {
		return nil, err
	}

	// Replies are keyed by pattern id; merge the inner maps.
	flat := map[string]any{}
	if byPattern, ok := reply.Fields["controls"].(map[string]any); ok {
		for _, inner := range byPattern {
			if m, ok := inner.(map[string]any); ok {
				for k, v := range m {
					flat[k] = v
				}
			}
		}
	}
	return flat, nil
}

// ControlExists reports whether a pattern has a control called name.
func (c *Client) ControlExists(ctx context.Context, name, pattern string) (bool, error) {
	controls, err := c.Controls(ctx, pattern)
	if err != nil {
		return false, err
	}
	_, ok := controls[name]
	return ok, nil
}

// ColorControlNames returns the pattern's colour picker control names.
func (c *Client) ColorControlNames(ctx context.Context, pattern string) ([]string, error) {
	controls, err := c.Controls(ctx, pattern)
	if err != nil {
		return nil, err
	}
	var names []string
	for name := range controls {
		if strings.HasPrefix(name, "hsvPicker") || strings.HasPrefix(name, "rgbPicker") {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// ColorControlName returns the first colour picker control name.
func (c *Client) ColorControlName(ctx context.Context, pattern string) (string, error) {
	names, err := c.ColorControlNames(ctx, pattern)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%w: no colour control", ErrNotFound)
	}
	return names[0], nil
}

// PreviewImage returns a pattern's JPEG thumbnail. An empty pattern means
// the running one.
func (c *Client) PreviewImage(ctx context.Context, pattern string) ([]byte, error) {
	pid, err := c.patternOrActive(ctx, pattern)
	if err != nil {
		return nil, err
	}
	reply, err := c.query(ctx, "", map[string]any{"getPreviewImg": pid}, session.KindPreviewImage)
	if err != nil {
		return nil, err
	}
	return stripPatternID(reply.Binary, pid), nil
}

// Sources returns a pattern's compressed source as sent by the controller.
func (c *Client) Sources(ctx context.Context, pattern string) ([]byte, error) {
	reply, err := c.sources(ctx, pattern)
	if err != nil {
		return nil, err
	}
	return reply.Binary, nil
}

// SourcesText returns a pattern's decompressed source, a JSON document.
func (c *Client) SourcesText(ctx context.Context, pattern string) (string, error) {
	reply, err := c.sources(ctx, pattern)
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

func (c *Client) sources(ctx context.Context, pattern string) (*session.Reply, error) {
	pid, err := c.patternOrActive(ctx, pattern)
	if err != nil {
		return nil, err
	}
	return c.query(ctx, "", map[string]any{"getSources": pid}, session.KindSources)
}

// UpgradeState reports whether a firmware upgrade is pending.
func (c *Client) UpgradeState(ctx context.Context) (bool, error) {
	reply, err := c.query(ctx, "", map[string]any{"getUpgradeState": true}, session.KindUpgradeState)
	if err != nil {
		return false, err
	}
	state, _ := reply.Fields["upgradeState"].(map[string]any)
	code, _ := state["code"].(float64)
	return code != 0, nil
}

// WaitForEmptyQueue waits up to timeoutMs milliseconds for the controller
// to acknowledge that it has processed everything sent so far.
func (c *Client) WaitForEmptyQueue(ctx context.Context, timeoutMs int) bool {
	return c.sess.AwaitEmptyQueue(ctx, time.Duration(timeoutMs)*time.Millisecond)
}

// --- Writes ---

// SetVars sets pattern variables. Variables the pattern does not export
// are ignored by the controller.
func (c *Client) SetVars(ctx context.Context, vars map[string]any) error {
	_, err := c.write(ctx, map[string]any{"setVars": vars}, session.KindNone)
	return err
}

// SetVariable sets one variable and returns the value read back.
func (c *Client) SetVariable(ctx context.Context, name string, value any) (any, error) {
	if err := c.SetVars(ctx, map[string]any{name: value}); err != nil {
		return nil, err
	}
	vars, err := c.Vars(ctx)
	if err != nil {
		return nil, err
	}
	v, ok := vars[name]
	if !ok {
		return nil, fmt.Errorf("%w: variable %q", ErrNotFound, name)
	}
	return v, nil
}

// SetActivePatternID switches to pid without checking that it exists.
// It reports whether the controller echoed the new id.
func (c *Client) SetActivePatternID(ctx context.Context, pid string) (bool, error) {
	reply, err := c.write(ctx, map[string]any{"activeProgramId": pid}, session.KindActivePattern)
	if err != nil {
		return false, err
	}
	active, _ := reply.Fields["activeProgram"].(map[string]any)
	return active["activeProgramId"] == pid, nil
}

// SetActivePattern switches to a pattern given by id or name.
func (c *Client) SetActivePattern(ctx context.Context, pattern string) (bool, error) {
	pid, _, err := c.ResolvePattern(ctx, pattern)
	if err != nil {
		return false, err
	}
	return c.SetActivePatternID(ctx, pid)
}

// SetBrightness sets global brightness, clamped to 0..1.
func (c *Client) SetBrightness(ctx context.Context, level float64, save bool) error {
	_, err := c.write(ctx, map[string]any{
		"brightness": clamp(level),
		"save":       c.saveValue(save),
	}, session.KindNone)
	return err
}

// SetSequenceTimer sets how many milliseconds the sequencer runs each pattern.
func (c *Client) SetSequenceTimer(ctx context.Context, ms int) error {
	_, err := c.write(ctx, map[string]any{"sequenceTimer": ms}, session.KindNone)
	return err
}

// StartSequencer enables the sequencer in mode (1 shuffle, 2 playlist) and
// optionally starts it. It returns the sequencer state echoed back.
func (c *Client) StartSequencer(ctx context.Context, mode int, run bool) (map[string]any, error) {
	reply, err := c.write(ctx, map[string]any{
		"sequencerMode": mode,
		"runSequencer":  run,
	}, session.KindSequencer)
	if err != nil {
		return nil, err
	}
	return reply.Fields, nil
}

// StopSequencer stops and disables the sequencer.
func (c *Client) StopSequencer(ctx context.Context) (map[string]any, error) {
	return c.StartSequencer(ctx, 0, false)
}

// RunSequencer starts or pauses the sequencer without changing its mode.
func (c *Client) RunSequencer(ctx context.Context, run bool) (bool, error) {
	reply, err := c.write(ctx, map[string]any{"runSequencer": run}, session.KindSequencer)
	if err != nil {
		return false, err
	}
	running, _ := reply.Fields["runSequencer"].(bool)
	return running, nil
}

// PauseSequencer pauses the sequencer, keeping its place.
func (c *Client) PauseSequencer(ctx context.Context) (bool, error) {
	return c.RunSequencer(ctx, false)
}

// PlaySequencer resumes a paused sequencer.
func (c *Client) PlaySequencer(ctx context.Context) (bool, error) {
	return c.RunSequencer(ctx, true)
}

// SetControls sets UI controls of the running pattern and waits for the
// controller's acknowledgement.
func (c *Client) SetControls(ctx context.Context, controls map[string]any, save bool) (bool, error) {
	_, err := c.write(ctx, map[string]any{
		"setControls": controls,
		"save":        c.saveValue(save),
	}, session.KindAck)
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetControl sets one UI control.
func (c *Client) SetControl(ctx context.Context, name string, value any, save bool) (bool, error) {
	return c.SetControls(ctx, map[string]any{name: value}, save)
}

// SetColorControl sets a colour picker to a three element RGB or HSV value.
func (c *Client) SetColorControl(ctx context.Context, name string, color []float64, save bool) (bool, error) {
	return c.SetControls(ctx, map[string]any{name: color}, save)
}

// SetDataSpeed sets the LED data rate and returns the value read back.
func (c *Client) SetDataSpeed(ctx context.Context, speed int, save bool) (any, error) {
	return c.setConfigValue(ctx, "dataSpeed", speed, save)
}

// SetPixelCount sets the number of pixels and returns the value read back.
func (c *Client) SetPixelCount(ctx context.Context, count int, save bool) (any, error) {
	return c.setConfigValue(ctx, "pixelCount", count, save)
}

func (c *Client) setConfigValue(ctx context.Context, key string, value any, save bool) (any, error) {
	if _, err := c.write(ctx, map[string]any{key: value, "save": c.saveValue(save)}, session.KindNone); err != nil {
		return nil, err
	}
	cfg, err := c.HardwareConfig(ctx)
	if err != nil {
		return nil, err
	}
	return cfg[key], nil
}

// SendUpdates turns the controller's preview and stats pushes on or off.
func (c *Client) SendUpdates(ctx context.Context, on bool) error {
	_, err := c.write(ctx, map[string]any{"sendUpdates": on}, session.KindNone)
	return err
}

// SendJSON sends an arbitrary command object.
func (c *Client) SendJSON(ctx context.Context, cmd map[string]any) error {
	_, err := c.write(ctx, cmd, session.KindNone)
	return err
}

// --- helpers ---

func clamp(v float64) float64 {
	return max(0, min(v, 1))
}

func (c *Client) loggerFor() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if logger := c.loggerFor(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (c *Client) logWarn(msg string, keysAndValues ...any) {
	if logger := c.loggerFor(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if logger := c.loggerFor(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
