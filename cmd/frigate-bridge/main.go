// Command frigate-bridge ingests NVR motion events over MQTT, scores them
// with a VLM and a deterministic rule engine, and drives lights, sirens,
// and a messaging channel in response.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/techposts/frigate-bridge/internal/action"
	"github.com/techposts/frigate-bridge/internal/config"
	"github.com/techposts/frigate-bridge/internal/confirmation"
	"github.com/techposts/frigate-bridge/internal/decision"
	"github.com/techposts/frigate-bridge/internal/delivery"
	"github.com/techposts/frigate-bridge/internal/dispatcher"
	"github.com/techposts/frigate-bridge/internal/eventhistory"
	"github.com/techposts/frigate-bridge/internal/haclient"
	"github.com/techposts/frigate-bridge/internal/messaging"
	"github.com/techposts/frigate-bridge/internal/nvrclient"
	"github.com/techposts/frigate-bridge/internal/observability"
	"github.com/techposts/frigate-bridge/internal/policycontext"
	"github.com/techposts/frigate-bridge/internal/snapshotstore"
	"github.com/techposts/frigate-bridge/internal/status"
	"github.com/techposts/frigate-bridge/internal/vlmclient"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the bridge config file")
	secretsPath := flag.String("secrets", ".env", "path to the secrets sidecar file")
	flag.Parse()

	log, err := observability.NewLogger()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath, *secretsPath)
	if err != nil {
		log.Fatal("loading config", zap.Error(err))
	}
	log.Info("config loaded", zap.Any("config", cfg.Redacted()))

	mqttCli, err := messaging.New(messaging.Config{
		Host:     cfg.MQTTHost(),
		Port:     cfg.MQTTPort(),
		Username: cfg.MQTTUser(),
		Password: cfg.MQTTPass(),
		ClientID: "frigate-bridge",
	}, log)
	if err != nil {
		log.Fatal("connecting to mqtt", zap.Error(err))
	}
	defer mqttCli.Close()

	history, err := eventhistory.Open(cfg.EventHistoryFile(), cfg.EventHistoryMaxLines())
	if err != nil {
		log.Fatal("opening event history", zap.Error(err))
	}
	defer history.Close()

	nvr := nvrclient.New(cfg.FrigateAPI())
	snapFetcher := snapshotstore.NewFetcher(cfg.FrigateAPI())
	ha := haclient.New(cfg.HAURL(), cfg.HAToken())

	vlmChain := buildVLMChain(cfg)

	policyBuilder := &policycontext.Builder{
		HA:               ha,
		History:          history,
		HomeModeEntity:   cfg.HAHomeModeEntity(),
		KnownFacesEntity: cfg.HAKnownFacesEntity(),
		RecentWindow:     cfg.RecentEventsWindow(),
		ZoneFor:          cfg.CameraZone,
		ContextNoteFor:   cfg.CameraContextNote,
	}
	quietStart, quietEnd := cfg.QuietHours()

	var confirmCtrl *confirmation.Controller
	if cfg.ConfirmationEnabled() {
		confirmCtrl = &confirmation.Controller{
			Delay:     cfg.ConfirmDelay(),
			Timeout:   cfg.ConfirmTimeout(),
			StageDir:  cfg.SnapshotDir(),
			FetchSnap: snapFetcher.Fetch,
			Analyze: func(ctx context.Context, eventID, snapshotPath string) (string, error) {
				reply, _, err := vlmChain.Analyze(ctx, vlmclient.Request{
					EventID:      eventID,
					SnapshotPath: snapshotPath,
					Prompt:       "Re-examine this follow-up snapshot for the same event. End your reply with one line: CONFIRM_JSON: {\"confirmed\": true or false, \"risk\": \"low|medium|high|critical\", \"action\": \"notify_only|notify_and_save_clip|notify_and_light|notify_and_speaker|notify_and_alarm\", \"reason\": \"one sentence\"}",
				})
				return reply, err
			},
		}
	}

	actionExec := &action.Executor{
		HA:          ha,
		RetainClip:  nvr.Retain,
		FetchClip:   nvr.Clip,
		ClipDir:     cfg.SnapshotDir(),
		Speakers:    cfg.Speakers(),
		AlarmEntity: cfg.AlarmEntity(),
		QuietStart:  quietStart,
		QuietEnd:    quietEnd,
	}

	deliveryPoster := delivery.NewPoster(cfg.OpenclawDeliveryWebhook(), cfg.OpenclawToken(), cfg.OpenclawDeliveryAgentName(), cfg.OpenclawDeliveryModel())

	d := dispatcher.New(4)
	d.Log = log
	d.OutputTopic = cfg.MQTTTopicPublish()
	d.PublishQoS = 1
	d.MQTT = mqttCli
	d.CooldownWindow = cfg.CooldownSeconds()
	d.SnapshotDir = cfg.SnapshotDir()
	d.SnapshotFetch = snapFetcher.Fetch
	d.VLM = vlmChain
	d.PolicyBuilder = policyBuilder
	d.ExcludeKnownFaces = cfg.ExcludeKnownFaces()
	d.Confirm = confirmCtrl
	d.ConfirmRisks = cfg.ConfirmRisks()
	d.Action = actionExec
	d.Delivery = deliveryPoster
	d.WhatsappEnabled = cfg.WhatsappEnabled()
	d.WhatsappTo = cfg.WhatsappTo()
	d.WhatsappMinRisk = decision.RiskLevel(cfg.WhatsappMinRiskLevel())
	d.History = history

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reporter *status.Reporter
	if cfg.StatusInterval() > 0 {
		reporter = status.NewReporter("frigate-bridge/status", cfg.StatusInterval(), mqttCli, log)
		d.OnAlert = reporter.RecordAlert
		go reporter.Run(ctx)
	}

	d.Start(ctx)

	if err := mqttCli.Subscribe(cfg.MQTTTopicSubscribe(), 1, d.HandleMessage); err != nil {
		log.Fatal("subscribing to nvr events", zap.Error(err))
	}
	log.Info("frigate-bridge running", zap.String("subscribe_topic", cfg.MQTTTopicSubscribe()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	cancel()
	time.Sleep(time.Second)
	d.Shutdown()
}

func buildVLMChain(cfg *config.Runtime) *vlmclient.Chain {
	var backends []vlmclient.Backend

	if cfg.OllamaAPI() != "" {
		backends = append(backends, vlmclient.NewOllamaBackend(cfg.OllamaAPI(), cfg.OllamaModel()))
	}

	backends = append(backends, vlmclient.NewWebhookBackend(vlmclient.WebhookConfig{
		WebhookURL:    cfg.OpenclawAnalysisWebhook(),
		FallbackURL:   cfg.OpenclawAnalysisWebhookFallback(),
		Token:         cfg.OpenclawToken(),
		AgentName:     cfg.OpenclawAnalysisAgentName(),
		Model:         cfg.OpenclawAnalysisModel(),
		FallbackModel: cfg.OpenclawAnalysisModelFallback(),
		WorkspaceDir:  cfg.WorkspaceDir(),
	}))

	return vlmclient.NewChain(backends...)
}
