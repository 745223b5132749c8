package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bugsnag/bugsnag-go"
	"github.com/sirupsen/logrus"

	"tetherd/config"
	"tetherd/discovery"
	"tetherd/events"
	"tetherd/network"
	"tetherd/storage"
	"tetherd/tether"
)

func main() {
	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		logrus.Fatalf("startup failed while loading config: %v", err)
	}

	roleFlag := flag.String("role", getEnv("TETHERD_ROLE", cfg.Role), "instance role (hub or edge)")
	nameFlag := flag.String("name", getEnv("TETHERD_NAME", cfg.InstanceName), "instance name used as tether name")
	listenFlag := flag.String("listen", getEnv("TETHERD_LISTEN", cfg.ListenAddress), "http listen address")
	mqttFlag := flag.String("mqtt-broker", getEnv("MQTT_BROKER", cfg.MQTT.Broker), "mqtt broker for lifecycle events, empty disables")
	mdnsFlag := flag.Bool("mdns", cfg.AdvertiseMDNS, "advertise this hub via mDNS")
	discoverFlag := flag.Bool("discover", false, "scan for hubs on the local network and exit")
	verboseFlag := flag.Bool("verbose", false, "log debug stuff")
	flag.Parse()

	cfg.Role = *roleFlag
	cfg.InstanceName = *nameFlag
	cfg.ListenAddress = *listenFlag
	cfg.MQTT.Broker = *mqttFlag
	cfg.AdvertiseMDNS = *mdnsFlag

	configureLogging(cfg.LogLevel, *verboseFlag)

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("invalid configuration in %s: %v", cfgPath, err)
	}
	role, err := network.ParseRole(cfg.Role)
	if err != nil {
		logrus.Fatalf("invalid role: %v", err)
	}

	if cfg.BugsnagAPIKey != "" {
		bugsnag.Configure(bugsnag.Configuration{
			APIKey:          cfg.BugsnagAPIKey,
			ProjectPackages: []string{"main", "tetherd/*"},
		})
	}

	if *discoverFlag {
		runDiscover(cfg)
		return
	}

	fmt.Printf("Instance ID:     %s\n", cfg.InstanceID)
	fmt.Printf("Instance Name:   %s\n", cfg.InstanceName)
	fmt.Printf("Role:            %s\n", role)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logrus.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.Warnf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	client := network.NewClient(network.ClientOptions{
		Instance:       cfg.InstanceName,
		RequestTimeout: cfg.RequestTimeout(),
	})

	var sink tether.EventSink = tether.NopSink{}
	if cfg.MQTT.Broker != "" {
		mqttSink, err := events.NewMQTTSink(events.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    "tetherd-" + cfg.InstanceID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		})
		if err != nil {
			logrus.Warnf("lifecycle events disabled: %v", err)
		} else {
			defer mqttSink.Close()
			sink = mqttSink
			fmt.Printf("Events:          %s\n", cfg.MQTT.Broker)
		}
	}

	coordinator, err := tether.NewCoordinator(tether.CoordinatorOptions{
		Instance:         cfg.InstanceName,
		Store:            store,
		Liveness:         tether.NewLivenessTracker(cfg.ConnectionTimeout()),
		Client:           client,
		Events:           sink,
		Pipelines:        tether.LoggingPipelineRunner{},
		MailboxBatchSize: cfg.MailboxBatchSize,
	})
	if err != nil {
		logrus.Fatalf("startup failed while loading tethers: %v", err)
	}

	handler, err := network.NewHandler(network.HandlerOptions{
		Role:                role,
		Coordinator:         coordinator,
		RequestTimeout:      client.CreateBudget(),
		ControlChannelRate:  cfg.ControlChannelRate,
		ControlChannelBurst: cfg.ControlChannelBurst,
		ReportError:         errorReporter(cfg),
	})
	if err != nil {
		logrus.Fatalf("startup failed while building routes: %v", err)
	}

	server, err := network.Listen(cfg.ListenAddress, handler)
	if err != nil {
		logrus.Fatalf("startup failed while listening: %v", err)
	}
	fmt.Printf("Listening:       %s\n", server.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if role == network.RoleHub && cfg.AdvertiseMDNS {
		broadcaster, err := startBroadcast(cfg, server.Addr())
		if err != nil {
			logrus.Warnf("mDNS advertisement failed: %v", err)
		} else {
			defer broadcaster.Stop()
			fmt.Println("Discovery:       advertising")
		}
	}

	pollerDone := make(chan struct{})
	if role == network.RoleEdge {
		poller, err := network.NewPoller(network.PollerOptions{
			Coordinator:    coordinator,
			Client:         client,
			Interval:       cfg.PollInterval(),
			RequestTimeout: cfg.RequestTimeout(),
			Concurrency:    cfg.PollConcurrency,
		})
		if err != nil {
			logrus.Fatalf("startup failed while building poller: %v", err)
		}
		go func() {
			defer close(pollerDone)
			_ = poller.Run(ctx)
		}()
	} else {
		close(pollerDone)
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	select {
	case <-ctx.Done():
	case err := <-server.Errors():
		if err != nil {
			logrus.Errorf("http server stopped: %v", err)
		}
	}
	fmt.Println("Status:          shutting down")

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logrus.Warnf("http shutdown error: %v", err)
	}
	<-pollerDone
}

// errorReporter forwards server errors to bugsnag when it is configured.
func errorReporter(cfg *config.InstanceConfig) func(*http.Request, error) {
	if cfg.BugsnagAPIKey == "" {
		return nil
	}
	return func(r *http.Request, err error) {
		if notifyErr := bugsnag.Notify(err, r.Context(), r); notifyErr != nil {
			logrus.Debugf("bugsnag notify failed: %v", notifyErr)
		}
	}
}

func configureLogging(level string, verbose bool) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
		return
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.Warnf("unknown log level %q, using info", level)
		parsed = logrus.InfoLevel
	}
	logrus.SetLevel(parsed)
}

func startBroadcast(cfg *config.InstanceConfig, addr net.Addr) (*discovery.Broadcaster, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected listener address %v", addr)
	}
	return discovery.StartBroadcaster(discovery.Config{
		InstanceID:    cfg.InstanceID,
		InstanceName:  cfg.InstanceName,
		ListeningPort: tcpAddr.Port,
		APIPath:       network.APIPrefix,
	})
}

func runDiscover(cfg *config.InstanceConfig) {
	hubs, err := discovery.Scan(context.Background(), discovery.Config{}, cfg.InstanceID)
	if err != nil {
		logrus.Fatalf("discovery scan failed: %v", err)
	}
	if len(hubs) == 0 {
		fmt.Println("no hubs found")
		return
	}
	for _, hub := range hubs {
		fmt.Printf("%-24s %-40s version=%d\n", hub.Name, hub.Endpoint(), hub.Version)
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
