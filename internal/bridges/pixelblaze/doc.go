// Package pixelblaze bridges Pixelblaze controllers to MQTT.
//
// Each controller gets one Bridge. Commands arrive on
//
//	<command>/all/#        every controller
//	<command>/<name>/#     one controller
//
// either with the command as the last topic level and its arguments in the
// payload, or with the command name as the whole payload. Arguments are
// separated by "=" and may be literals such as 0.5, True or {"speed": 1}.
// Results are published to <feedback>/<name>/<command>.
//
// Frames the controller pushes on its own (statistics, variable updates)
// are republished flattened, one topic per changed field, or whole under
// <feedback>/<name>/update when JSON output is enabled. Controller status is
// published to <feedback>/<name>/status every minute.
//
// A Dispatcher lets every bridge on one MQTT connection share the single
// all-controllers subscription.
package pixelblaze
