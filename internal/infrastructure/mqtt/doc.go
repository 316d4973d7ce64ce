// Package mqtt provides MQTT client connectivity for the controller bridge.
//
// The client reconnects on its own and replays subscriptions afterwards.
// A retained Online is published on every connect and the broker publishes
// the retained Offline will if the bridge vanishes.
//
// # Topics
//
// Commands are received under a command prefix and results published under
// a feedback prefix, one level per controller name:
//
//	/pixelblaze/command/all/#           every controller
//	/pixelblaze/command/<name>/#        one controller
//	/pixelblaze/feedback/<name>/<key>   results and pushed fields
//	/pixelblaze/feedback/<name>/status  Online | Disconnected
//	/pixelblaze/feedback/status         Online | Offline (LWT)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.Subscribe(topics.CommandDevice("porch"), 0,
//	    func(topic string, payload []byte) error {
//	        log.Printf("command %s: %s", mqtt.LastSegment(topic), payload)
//	        return nil
//	    })
//
//	client.Publish(topics.Feedback("porch", "getBrightness"), []byte("0.75"), 0, false)
//
// Listeners added with AddOnConnect run after every reconnect once
// subscriptions are restored.
package mqtt
