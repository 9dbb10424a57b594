package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/orientation_bridge/internal/config"
	"github.com/relabs-tech/orientation_bridge/internal/hub"
)

const publishWait = 2 * time.Second

// MQTTMirror republishes hub events as retained JSON messages and accepts
// interval commands from the broker.
type MQTTMirror struct {
	hub    *hub.Hub
	client mqtt.Client

	broker        string
	topicRotation string
	topicStatus   string
	topicInterval string
}

func NewMQTTMirror(h *hub.Hub, cfg *config.Config) *MQTTMirror {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	m := &MQTTMirror{
		hub:           h,
		broker:        cfg.MQTTBroker,
		topicRotation: cfg.TopicRotation,
		topicStatus:   cfg.TopicStatus,
		topicInterval: cfg.TopicInterval,
	}
	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warnf("mqtt: connection lost: %v", err)
	})
	m.client = mqtt.NewClient(opts)
	return m
}

// Run connects and mirrors events until ctx is cancelled.
func (m *MQTTMirror) Run(ctx context.Context) error {
	token := m.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt: connect %s: %w", m.broker, err)
		}
	case <-ctx.Done():
		// stop the background connect retries
		m.client.Disconnect(0)
		return nil
	}
	log.Infof("mqtt: connected to broker at %s", m.broker)
	defer m.client.Disconnect(250)

	id, events := m.hub.Subscribe()
	defer m.hub.Unsubscribe(id)

	m.pump(ctx, events)
	log.Info("mqtt: shutting down")
	return nil
}

// onConnect (re)subscribes to the command topic after every connect.
func (m *MQTTMirror) onConnect(c mqtt.Client) {
	token := c.Subscribe(m.topicInterval, 1, func(_ mqtt.Client, msg mqtt.Message) {
		m.handleInterval(msg.Payload())
	})
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			log.Errorf("mqtt: subscribe %s: %v", m.topicInterval, err)
			return
		}
		log.Infof("mqtt: subscribed to %s", m.topicInterval)
	}()
}

func (m *MQTTMirror) handleInterval(payload []byte) {
	cmd, err := parseIntervalCommand(payload)
	if err == nil {
		err = m.hub.SubmitCommand(cmd)
	}
	if err != nil {
		log.Warnf("mqtt: rejected interval command %q: %v", payload, err)
		return
	}
	log.Infof("mqtt: interval %dms requested", cmd.IntervalMS)
}

func (m *MQTTMirror) pump(ctx context.Context, events <-chan hub.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.publish(e)
		}
	}
}

func (m *MQTTMirror) topicFor(t hub.EventType) string {
	switch t {
	case hub.EventRotation:
		return m.topicRotation
	case hub.EventStatus:
		return m.topicStatus
	}
	return ""
}

func (m *MQTTMirror) publish(e hub.Event) {
	topic := m.topicFor(e.Type)
	if topic == "" {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		log.Errorf("mqtt: marshal %s: %v", e.Type, err)
		return
	}
	token := m.client.Publish(topic, 0, true, payload)
	if !token.WaitTimeout(publishWait) {
		log.Warnf("mqtt: publish to %s timed out", topic)
		return
	}
	if err := token.Error(); err != nil {
		log.Warnf("mqtt: publish to %s: %v", topic, err)
	}
}
