// Package events publishes tether lifecycle events to external listeners.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"tetherd/tether"
)

const (
	defaultTopicPrefix    = "tetherd"
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
)

// MQTTOptions configures the MQTT sink.
type MQTTOptions struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MQTTSink publishes every event as JSON on <prefix>/<instance>/<peer>/<type>.
type MQTTSink struct {
	client  mqtt.Client
	options MQTTOptions
}

// NewMQTTSink connects to the broker and returns a ready sink.
func NewMQTTSink(options MQTTOptions) (*MQTTSink, error) {
	if options.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if options.ClientID == "" {
		return nil, errors.New("mqtt client id is required")
	}
	if options.TopicPrefix == "" {
		options.TopicPrefix = defaultTopicPrefix
	}
	if options.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", options.QoS)
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = defaultConnectTimeout
	}
	if options.PublishTimeout <= 0 {
		options.PublishTimeout = defaultPublishTimeout
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(options.Broker)
	opts.SetClientID(options.ClientID)
	opts.SetUsername(options.Username)
	opts.SetPassword(options.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(options.ConnectTimeout)
	opts.OnConnect = func(mqtt.Client) {
		logrus.Infof("[events] connected to MQTT broker %s", options.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logrus.Warnf("[events] MQTT connection lost: %v", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(options.ConnectTimeout) {
		return nil, fmt.Errorf("connect to mqtt broker %s: timeout", options.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", options.Broker, err)
	}

	return &MQTTSink{client: client, options: options}, nil
}

// Topic returns the topic an event is published on.
func (s *MQTTSink) Topic(event tether.Event) string {
	kind := strings.TrimPrefix(string(event.Type), "tether.")
	return strings.Join([]string{s.options.TopicPrefix, event.Instance, event.Peer, kind}, "/")
}

// Publish implements tether.EventSink. Delivery happens in the background.
func (s *MQTTSink) Publish(event tether.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		logrus.Warnf("[events] failed to encode %s: %v", event.Type, err)
		return
	}

	topic := s.Topic(event)
	token := s.client.Publish(topic, s.options.QoS, false, payload)
	go func() {
		if !token.WaitTimeout(s.options.PublishTimeout) {
			logrus.Warnf("[events] publish to %s timed out", topic)
			return
		}
		if err := token.Error(); err != nil {
			logrus.Warnf("[events] publish to %s failed: %v", topic, err)
		}
	}()
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}
