// Package mqtt connects the mesh hub to the site MQTT broker.
//
// The hub publishes each driver's field values and health on retained
// topics and accepts writes from presentation layers on command topics:
//
//	graymesh/state/{driver}/{field}     field value, retained
//	graymesh/command/{driver}/{field}   write request from a presentation layer
//	graymesh/ack/{driver}/{field}       outcome of a write request
//	graymesh/health/{driver}            driver state and statistics, retained
//	graymesh/system/status              hub online/offline (LWT)
//
// Subscriptions survive reconnects: the client tracks them and restores
// them when paho reports a new connection.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllCommands("zw1"), 1,
//	    func(topic string, payload []byte) error {
//	        kind, driverID, field, _ := mqtt.ParseFieldTopic(topic)
//	        ...
//	    })
package mqtt
