package pixelblaze

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/nerrad567/pixelbridge/internal/infrastructure/mqtt"
)

// rejectedCommands manage the bridge or its connections and are never
// run on behalf of an MQTT message.
var rejectedCommands = []string{"start", "stop", "subscribe", "start_ws"}

// commandFunc runs one command against the bridge's controller. A nil
// result publishes nothing.
type commandFunc func(ctx context.Context, b *Bridge, args arguments) (any, error)

// commandTable maps command names, as they appear in topics and payloads,
// to handlers. The names follow the long-standing Pixelblaze client API so
// existing automations keep working.
func commandTable() map[string]commandFunc {
	return map[string]commandFunc{
		// Connection and flash
		"getIP":             cmdGetIP,
		"setIP":             cmdSetIP,
		"getWSConnected":    cmdWSConnected,
		"enable_flash_save": cmdEnableFlashSave,
		"waitForEmptyQueue": cmdWaitForEmptyQueue,

		// Config and variables
		"getHardwareConfig": cmdHardwareConfig,
		"getVars":           cmdVars,
		"setVars":           cmdSetVars,
		"setVariable":       cmdSetVariable,
		"variableExists":    cmdVariableExists,
		"getBrightness":     cmdBrightness,
		"setBrightness":     cmdSetBrightness,
		"setDataspeed":      cmdSetDataSpeed,
		"setpixelCount":     cmdSetPixelCount,
		"getUpgradeState":   cmdUpgradeState,
		"sendUpdates":       cmdSendUpdates,
		"sendJson":          cmdSendJSON,

		// Patterns
		"getPatternList":       cmdPatternList,
		"getActivePattern":     cmdActivePattern,
		"getActivePatternName": cmdActivePatternName,
		"setActivePattern":     cmdSetActivePattern,
		"setActivePatternId":   cmdSetActivePatternID,
		"getPreviewImg":        cmdPreviewImage,
		"getSources":           cmdSources,
		"getSourcesText":       cmdSourcesText,
		"getEPEFile":           cmdEPEFile,
		"save_binary_file":     cmdSavePatternFile,
		"load_binary_file":     cmdLoadPatternFile,

		// Sequencer
		"setSequenceTimer": cmdSetSequenceTimer,
		"startSequencer":   cmdStartSequencer,
		"stopSequencer":    cmdStopSequencer,
		"runSequencer":     cmdRunSequencer,
		"pauseSequencer":   cmdPauseSequencer,
		"playSequencer":    cmdPlaySequencer,

		// Controls
		"getControls":          cmdControls,
		"setControls":          cmdSetControls,
		"setControl":           cmdSetControl,
		"setColorControl":      cmdSetColorControl,
		"controlExists":        cmdControlExists,
		"getColorControlNames": cmdColorControlNames,
		"getColorControlName":  cmdColorControlName,
	}
}

// parseCommand extracts the command and its arguments from a message.
//
// When the last topic level names a command, the payload carries its
// arguments ("…/porch/setBrightness" with "0.5"). Otherwise the payload
// is the command name ("…/porch" with "getVars").
func (b *Bridge) parseCommand(topic string, payload []byte) (string, arguments, error) {
	last := mqtt.LastSegment(topic)
	body := strings.TrimSpace(string(payload))

	if _, ok := b.commands[last]; ok {
		return last, parseArgs(body), nil
	}
	if _, ok := b.commands[body]; ok {
		return body, nil, nil
	}

	name := last
	if name == b.name || name == mqtt.AllDevices {
		name = body
	}
	if slices.Contains(rejectedCommands, name) {
		return "", nil, fmt.Errorf("%w: %s", ErrCommandRejected, name)
	}
	return "", nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}

// Commands returns the registered command names in sorted order.
func (b *Bridge) Commands() []string {
	names := make([]string, 0, len(b.commands))
	for name := range b.commands {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func cmdGetIP(_ context.Context, b *Bridge, _ arguments) (any, error) {
	return b.client.Address(), nil
}

// cmdSetIP moves the bridge's controller to another address and returns
// the address in use. Without an argument it only reports the address.
func cmdSetIP(_ context.Context, b *Bridge, a arguments) (any, error) {
	address := strings.TrimSpace(a.String(0, ""))
	if address == "" {
		return b.client.Address(), nil
	}
	if b.retarget == nil {
		return nil, fmt.Errorf("%w: setIP needs a fleet-managed controller", ErrCommandRejected)
	}
	if err := b.retarget(address); err != nil {
		return nil, err
	}
	return address, nil
}

func cmdWSConnected(_ context.Context, b *Bridge, _ arguments) (any, error) {
	return b.deviceConnected(), nil
}

func cmdEnableFlashSave(_ context.Context, b *Bridge, a arguments) (any, error) {
	b.client.EnableFlashSave(a.Bool(0, true))
	return nil, nil
}

func cmdWaitForEmptyQueue(ctx context.Context, b *Bridge, a arguments) (any, error) {
	ms, err := a.Int(0, 1000)
	if err != nil {
		return nil, err
	}
	return b.client.WaitForEmptyQueue(ctx, ms), nil
}

func cmdHardwareConfig(ctx context.Context, b *Bridge, _ arguments) (any, error) {
	return b.client.HardwareConfig(ctx)
}

func cmdVars(ctx context.Context, b *Bridge, _ arguments) (any, error) {
	return b.client.Vars(ctx)
}

func cmdSetVars(ctx context.Context, b *Bridge, a arguments) (any, error) {
	vars, err := a.Object(0)
	if err != nil {
		return nil, err
	}
	return nil, b.client.SetVars(ctx, vars)
}

func cmdSetVariable(ctx context.Context, b *Bridge, a arguments) (any, error) {
	if err := a.Required(1, "value"); err != nil {
		return nil, err
	}
	return b.client.SetVariable(ctx, a.String(0, ""), a.Value(1, nil))
}

func cmdVariableExists(ctx context.Context, b *Bridge, a arguments) (any, error) {
	if err := a.Required(0, "variable name"); err != nil {
		return nil, err
	}
	return b.client.VariableExists(ctx, a.String(0, ""))
}

func cmdBrightness(ctx context.Context, b *Bridge, _ arguments) (any, error) {
	return b.client.Brightness(ctx)
}

func cmdSetBrightness(ctx context.Context, b *Bridge, a arguments) (any, error) {
	if err := a.Required(0, "brightness"); err != nil {
		return nil, err
	}
	level, err := a.Float(0, 0)
	if err != nil {
		return nil, err
	}
	return nil, b.client.SetBrightness(ctx, level, a.Bool(1, false))
}

func cmdSetDataSpeed(ctx context.Context, b *Bridge, a arguments) (any, error) {
	if err := a.Required(0, "speed"); err != nil {
		return nil, err
	}
	speed, err := a.Int(0, 0)
	if err != nil {
		return nil, err
	}
	return b.client.SetDataSpeed(ctx, speed, a.Bool(1, false))
}

func cmdSetPixelCount(ctx context.Context, b *Bridge, a arguments) (any, error) {
	if err := a.Required(0, "pixel count"); err != nil {
		return nil, err
	}
	count, err := a.Int(0, 0)
	if err != nil {
		return nil, err
	}
	return b.client.SetPixelCount(ctx, count, a.Bool(1, false))
}

func cmdUpgradeState(ctx context.Context, b *Bridge, _ arguments) (any, error) {
	return b.client.UpgradeState(ctx)
}

func cmdSendUpdates(ctx context.Context, b *Bridge, a arguments) (any, error) {
	return nil, b.client.SendUpdates(ctx, a.Bool(0, false))
}

func cmdSendJSON(ctx context.Context, b *Bridge, a arguments) (any, error) {
	cmd, err := a.Object(0)
	if err != nil {
		return nil, err
	}
	return nil, b.client.SendJSON(ctx, cmd)
}

func cmdPatternList(ctx context.Context, b *Bridge, _ arguments) (any, error) {
	return b.client.PatternList(ctx)
}

func cmdActivePattern(ctx context.Context, b *Bridge, _ arguments) (any, error) {
	return b.client.ActivePattern(ctx)
}

func cmdActivePatternName(ctx context.Context, b *Bridge, _ arguments) (any, error) {
	return b.client.ActivePatternName(ctx)
}

func cmdSetActivePattern(ctx context.Context, b *Bridge, a arguments) (any, error) {
	if err := a.Required(0, "pattern"); err != nil {
		return nil, err
	}
	return b.client.SetActivePattern(ctx, a.String(0, ""))
}

func cmdSetActivePatternID(ctx context.Context, b *Bridge, a arguments) (any, error) {
	if err := a.Required(0, "pattern id"); err != nil {
		return nil, err
	}
	return b.client.SetActivePatternID(ctx, a.String(0, ""))
}

func cmdPreviewImage(ctx context.Context, b *Bridge, a arguments) (any, error) {
	return b.client.PreviewImage(ctx, a.String(0, ""))
}

func cmdSources(ctx context.Context, b *Bridge, a arguments) (any, error) {
	return b.client.Sources(ctx, a.String(0, ""))
}

func cmdSourcesText(ctx context.Context, b *Bridge, a arguments) (any, error) {
	return b.client.SourcesText(ctx, a.String(0, ""))
}

func cmdEPEFile(ctx context.Context, b *Bridge, a arguments) (any, error) {
	epe, err := b.client.ExportEPE(ctx, a.String(0, ""))
	if err != nil {
		return nil, err
	}
	if a.Bool(1, false) {
		if _, err := b.client.WriteEPEFile(epe); err != nil {
			return nil, err
		}
	}
	return epe, nil
}

func cmdSavePatternFile(ctx context.Context, b *Bridge, a arguments) (any, error) {
	return b.client.SavePatternFile(ctx, a.String(0, ""))
}

func cmdLoadPatternFile(ctx context.Context, b *Bridge, a arguments) (any, error) {
	if err := a.Required(0, "file name"); err != nil {
		return nil, err
	}
	return b.client.LoadPatternFile(ctx, a.String(0, ""))
}

func cmdSetSequenceTimer(ctx context.Context, b *Bridge, a arguments) (any, error) {
	if err := a.Required(0, "milliseconds"); err != nil {
		return nil, err
	}
	ms, err := a.Int(0, 0)
	if err != nil {
		return nil, err
	}
	return nil, b.client.SetSequenceTimer(ctx, ms)
}

func cmdStartSequencer(ctx context.Context, b *Bridge, a arguments) (any, error) {
	mode, err := a.Int(0, 1)
	if err != nil {
		return nil, err
	}
	return b.client.StartSequencer(ctx, mode, a.Bool(1, true))
}

func cmdStopSequencer(ctx context.Context, b *Bridge, _ arguments) (any, error) {
	return b.client.StopSequencer(ctx)
}

func cmdRunSequencer(ctx context.Context, b *Bridge, a arguments) (any, error) {
	return b.client.RunSequencer(ctx, a.Bool(0, true))
}

func cmdPauseSequencer(ctx context.Context, b *Bridge, _ arguments) (any, error) {
	return b.client.PauseSequencer(ctx)
}

func cmdPlaySequencer(ctx context.Context, b *Bridge, _ arguments) (any, error) {
	return b.client.PlaySequencer(ctx)
}

func cmdControls(ctx context.Context, b *Bridge, a arguments) (any, error) {
	return b.client.Controls(ctx, a.String(0, ""))
}

func cmdSetControls(ctx context.Context, b *Bridge, a arguments) (any, error) {
	controls, err := a.Object(0)
	if err != nil {
		return nil, err
	}
	return b.client.SetControls(ctx, controls, a.Bool(1, false))
}

func cmdSetControl(ctx context.Context, b *Bridge, a arguments) (any, error) {
	if err := a.Required(1, "value"); err != nil {
		return nil, err
	}
	return b.client.SetControl(ctx, a.String(0, ""), a.Value(1, nil), a.Bool(2, false))
}

func cmdSetColorControl(ctx context.Context, b *Bridge, a arguments) (any, error) {
	color, err := a.Floats(1)
	if err != nil {
		return nil, err
	}
	return b.client.SetColorControl(ctx, a.String(0, ""), color, a.Bool(2, false))
}

func cmdControlExists(ctx context.Context, b *Bridge, a arguments) (any, error) {
	if err := a.Required(0, "control name"); err != nil {
		return nil, err
	}
	return b.client.ControlExists(ctx, a.String(0, ""), a.String(1, ""))
}

func cmdColorControlNames(ctx context.Context, b *Bridge, a arguments) (any, error) {
	return b.client.ColorControlNames(ctx, a.String(0, ""))
}

func cmdColorControlName(ctx context.Context, b *Bridge, a arguments) (any, error) {
	return b.client.ColorControlName(ctx, a.String(0, ""))
}
