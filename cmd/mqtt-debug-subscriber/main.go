// Command mqtt-debug-subscriber is a development tool that subscribes to
// the bridge's outbound analysis topic and pretty-prints each verdict as
// it arrives, flagging the staged snapshot file on disk when one exists.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/techposts/frigate-bridge/internal/messaging"
)

func main() {
	host := flag.String("host", getenv("MQTT_HOST", "localhost"), "mqtt broker host")
	port := flag.Int("port", 1883, "mqtt broker port")
	topic := flag.String("topic", getenv("MQTT_DEBUG_TOPIC", "openclaw/frigate/analysis"), "topic to subscribe to")
	snapshotDir := flag.String("snapshot-dir", getenv("SNAPSHOT_DIR", "storage/ai-snapshots"), "directory the bridge stages snapshots in")
	flag.Parse()

	mqttCli, err := messaging.New(messaging.Config{
		Host:     *host,
		Port:     *port,
		ClientID: "frigate-bridge-debug-subscriber",
	}, nil)
	if err != nil {
		log.Fatalf("connecting to mqtt: %v", err)
	}
	defer mqttCli.Close()

	log.Printf("[debug] subscribed to topic: %s", *topic)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	if err := mqttCli.Subscribe(*topic, 1, func(topic string, payload []byte) {
		handleMessage(topic, payload, *snapshotDir)
	}); err != nil {
		log.Fatalf("subscribing to %s: %v", *topic, err)
	}

	go func() {
		<-sig
		log.Println("[debug] signal received, shutting down")
		cancel()
	}()

	<-ctx.Done()
	time.Sleep(500 * time.Millisecond)
}

type analysisResult struct {
	EventID    string `json:"event_id"`
	Camera     string `json:"camera"`
	Label      string `json:"label"`
	RiskLevel  string `json:"risk_level"`
	Action     string `json:"action"`
	Reason     string `json:"reason"`
	Confirmed  bool   `json:"confirmed"`
	Overridden bool   `json:"overridden"`
}

func handleMessage(topic string, payload []byte, snapshotDir string) {
	log.Printf("\n[debug] message on topic: %s (%d bytes)", topic, len(payload))

	var result analysisResult
	if err := json.Unmarshal(payload, &result); err != nil {
		log.Printf("[debug] failed to unmarshal payload: %v", err)
		log.Printf("[debug] raw payload: %s", string(payload))
		return
	}

	pretty, _ := json.MarshalIndent(result, "", "  ")
	log.Printf("[debug] decoded analysis:\n%s", string(pretty))
	log.Printf("[ALERT] camera=%s event=%s risk=%s action=%s overridden=%v",
		result.Camera, result.EventID, result.RiskLevel, result.Action, result.Overridden)

	if result.EventID == "" {
		return
	}
	snapPath := filepath.Join(snapshotDir, result.EventID+".jpg")
	if _, err := os.Stat(snapPath); err == nil {
		log.Printf("[ALERT] staged snapshot: %s", snapPath)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
