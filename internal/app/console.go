package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/orientation_bridge/internal/config"
	"github.com/relabs-tech/orientation_bridge/internal/hub"
	"github.com/relabs-tech/orientation_bridge/internal/imu"
	"github.com/relabs-tech/orientation_bridge/internal/orientation"
)

// consoleMessage is the union of the mirrored event objects.
type consoleMessage struct {
	Type       hub.EventType `json:"type"`
	X          float64       `json:"x"`
	Y          float64       `json:"y"`
	Z          float64       `json:"z"`
	Connected  bool          `json:"connected"`
	DeviceName string        `json:"device_name"`
}

// formatConsoleLine renders one mirrored event as a console line.
func formatConsoleLine(payload []byte) (string, error) {
	var m consoleMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", err
	}
	switch m.Type {
	case hub.EventRotation:
		return formatFrame("[ROT ]", orientation.Frame{X: m.X, Y: m.Y, Z: m.Z}), nil
	case hub.EventStatus:
		if !m.Connected {
			return "[BLE ]  disconnected", nil
		}
		return fmt.Sprintf("[BLE ]  connected to %s", m.DeviceName), nil
	}
	return "", fmt.Errorf("unexpected message type %q", m.Type)
}

func formatFrame(tag string, f orientation.Frame) string {
	return fmt.Sprintf("%s  X=%7.2f  Y=%7.2f  Z=%7.2f", tag, f.X, f.Y, f.Z)
}

// RunConsoleMQTT prints the bridge's mirrored topics until ctx is cancelled.
func RunConsoleMQTT(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if cfg.MQTTBroker == "" {
		return fmt.Errorf("console: MQTT_BROKER is not configured")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientID + "-console")

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Infof("console: connected to MQTT broker at %s", cfg.MQTTBroker)
	defer client.Disconnect(250)

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		line, err := formatConsoleLine(msg.Payload())
		if err != nil {
			log.Warnf("console: %s: %v", msg.Topic(), err)
			return
		}
		fmt.Fprintln(out, line)
	}

	for _, topic := range []string{cfg.TopicStatus, cfg.TopicRotation} {
		token := client.Subscribe(topic, 0, handler)
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Infof("console: subscribed to %s", topic)
	}

	<-ctx.Done()
	log.Info("console: shutting down")
	return nil
}

// RunMockConsole runs synthetic motion through the same decode, filter and
// mapping path as a live session and prints every frame.
func RunMockConsole(ctx context.Context, opts orientation.FilterOptions, mapping orientation.AxisMapping, interval time.Duration, out io.Writer) error {
	motion := orientation.NewMockMotion()
	filter := orientation.NewFilter(opts)
	var deltas orientation.DeltaTracker

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		s, err := imu.Decode(imu.Encode(motion.Next()))
		if err != nil {
			return err
		}
		x, y, z := filter.Update(s, deltas.Next(s.TimestampMS))
		fmt.Fprintln(out, formatFrame("[MOCK]", mapping.Map(x, y, z)))
	}
}
