// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/TheThingsNetwork/go-utils/handlers/cli"
	ttnlog "github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/go-utils/log/apex"
	"github.com/TheThingsNetwork/serial-gateway-bridge/auth"
	"github.com/TheThingsNetwork/serial-gateway-bridge/backend/amqp"
	"github.com/TheThingsNetwork/serial-gateway-bridge/backend/mqtt"
	"github.com/TheThingsNetwork/serial-gateway-bridge/bridge"
	"github.com/TheThingsNetwork/serial-gateway-bridge/exchange"
	"github.com/TheThingsNetwork/serial-gateway-bridge/middleware/blocklist"
	"github.com/TheThingsNetwork/serial-gateway-bridge/middleware/debug"
	"github.com/TheThingsNetwork/serial-gateway-bridge/middleware/deduplicate"
	"github.com/TheThingsNetwork/serial-gateway-bridge/middleware/ratelimit"
	"github.com/TheThingsNetwork/serial-gateway-bridge/serial"
	"github.com/TheThingsNetwork/serial-gateway-bridge/session"
	"github.com/TheThingsNetwork/serial-gateway-bridge/status/statusserver"
	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/multi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	redis "gopkg.in/redis.v5"
)

// BridgeCmd is the main command that is executed when running serial-gateway-bridge
var BridgeCmd = &cobra.Command{
	Use:   "serial-gateway-bridge",
	Short: "Field gateway for serial sensor nodes",
	Long:  `serial-gateway-bridge forwards sensor readings from a serial port to a cloud IoT device registry over MQTT`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logHandlers []log.Handler

		logHandlers = append(logHandlers, cli.New(os.Stdout))

		if logFileLocation := config.GetString("log-file"); logFileLocation != "" {
			absLogFileLocation, err := filepath.Abs(logFileLocation)
			if err != nil {
				panic(err)
			}
			logFile, err = os.OpenFile(absLogFileLocation, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
			if err != nil {
				panic(err)
			}
			logHandlers = append(logHandlers, json.New(logFile))
		}

		level := log.InfoLevel
		if config.GetBool("debug") {
			level = log.DebugLevel
		}

		ctx = &log.Logger{
			Level:   level,
			Handler: multi.New(logHandlers...),
		}
		ttnlog.Set(apex.Wrap(ctx))
	},
	Run: runBridge,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			time.Sleep(100 * time.Millisecond)
			logFile.Close()
		}
	},
}

// user:pass@host:port
var amqpRegexp = regexp.MustCompile(`^(?:([0-9a-z_-]+)(?::([0-9A-Za-z-!"#$%&'()*+,.:;<=>?@[\]^_{|}~]+))?@)?([0-9a-z.-]+:[0-9]+)$`)

func runBridge(cmd *cobra.Command, args []string) {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	issuer, err := auth.NewJWT(auth.JWTConfig{
		ProjectID:      config.GetString("project"),
		Algorithm:      config.GetString("algorithm"),
		PrivateKeyFile: config.GetString("private-key-file"),
		Lifetime:       config.GetDuration("token-lifetime"),
	}, ctx)
	if err != nil {
		ctx.WithError(err).Fatal("Could not initialize token issuer")
	}

	tlsConfig, err := mqtt.TLSConfig(config.GetString("ca-file"))
	if err != nil {
		ctx.WithError(err).Fatal("Could not load CA file")
	}

	clientID := session.ClientID(config.GetString("project"), config.GetString("region"), config.GetString("registry"), config.GetString("gateway"))
	ctx.WithField("ClientID", clientID).WithField("Address", config.GetString("mqtt-address")).Info("Initializing MQTT")
	broker := mqtt.New(mqtt.Config{
		Brokers:   []string{config.GetString("mqtt-address")},
		ClientID:  clientID,
		TLSConfig: tlsConfig,
	}, ctx)

	sess := session.New(session.Config{
		SafetyMargin:      config.GetDuration("token-margin"),
		AckTimeout:        config.GetDuration("ack-timeout"),
		MaxPublishRetries: config.GetInt("publish-retries"),
		Backoff: session.Backoff{
			MaxAttempts: uint64(config.GetInt("reconnect-attempts")),
			MinInterval: config.GetDuration("reconnect-min-interval"),
			MaxInterval: config.GetDuration("reconnect-max-interval"),
		},
	}, broker, issuer, ctx)
	sess.OnMessage(func(topic string, payload []byte) {
		ctx.WithField("Topic", topic).WithField("Size", len(payload)).Info("Received configuration")
	})

	ex := exchange.New(exchange.Config{
		GatewayID:        config.GetString("gateway"),
		EventsTopicOwner: config.GetString("events-topic-owner"),
		ConfirmAttach:    config.GetBool("confirm-attach"),
		SubscribeConfig:  config.GetBool("subscribe-config"),
	}, sess, ctx)

	// Set up Redis
	var redisClient *redis.Client
	if config.GetBool("redis") {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     config.GetString("redis-address"),
			Password: config.GetString("redis-password"),
			DB:       config.GetInt("redis-db"),
		})
		ctx.Info("Initializing Redis state backend")
		deviceIDs, err := ex.InitRedisState(redisClient, "")
		if err != nil {
			ctx.WithError(err).Warn("Could not load attached devices from Redis")
		} else if len(deviceIDs) > 0 {
			ctx.Infof("Reattaching %d devices after connect", len(deviceIDs))
		}
	}

	// Set up the AMQP telemetry mirror
	if amqpBroker := config.GetString("amqp"); amqpBroker != "" && amqpBroker != "disable" {
		parts := amqpRegexp.FindStringSubmatch(amqpBroker)
		if parts == nil {
			ctx.WithField("AMQP", amqpBroker).Fatal("Invalid AMQP address")
		}
		ctx.WithField("Username", parts[1]).WithField("Address", parts[3]).Info("Initializing AMQP")
		mirror, err := amqp.New(amqp.Config{
			Address:      parts[3],
			Username:     parts[1],
			Password:     parts[2],
			ExchangeName: config.GetString("amqp-exchange"),
		}, ctx)
		if err != nil {
			ctx.WithError(err).Fatal("Could not initialize AMQP")
		}
		mirror.Connect()
		defer mirror.Disconnect()
		ex.AddMirror(mirror)
	}

	reader, err := serial.Open(serial.Config{
		Port:        config.GetString("serial-port"),
		BaudRate:    config.GetInt("baud-rate"),
		ReadTimeout: serial.DefaultConfig.ReadTimeout,
		ResetDelay:  serial.DefaultConfig.ResetDelay,
	}, ctx)
	if err != nil {
		ctx.WithError(err).Fatal("Could not open serial port")
	}
	defer reader.Close()

	b := bridge.New(bridge.Config{
		RetryDelay:         config.GetDuration("retry-delay"),
		TokenCheckInterval: config.GetDuration("token-check-interval"),
		SilenceTimeout:     config.GetDuration("silence-timeout"),
	}, reader, sess, ex, ctx)

	if config.GetBool("debug") {
		b.Use(debug.New())
	}

	if lists := config.GetStringSlice("blocklist"); len(lists) > 0 {
		ctx.WithField("Lists", lists).Info("Initializing blocklist")
		bl, err := blocklist.NewBlocklist(lists...)
		if err != nil {
			ctx.WithError(err).Fatal("Could not initialize blocklist")
		}
		defer bl.Close()
		if refresh := config.GetDuration("blocklist-refresh"); refresh > 0 {
			go refreshBlocklist(runCtx, bl, refresh)
		}
		b.Use(bl)
	}

	if window := config.GetDuration("deduplicate"); window > 0 {
		b.Use(deduplicate.NewDeduplicate(window))
	}

	if config.GetBool("ratelimit") {
		limits := ratelimit.Limits{
			Telemetry: config.GetInt("ratelimit-telemetry"),
			Commands:  config.GetInt("ratelimit-commands"),
		}
		if redisClient != nil {
			b.Use(ratelimit.NewRedisRateLimit(redisClient, limits))
		} else {
			b.Use(ratelimit.NewRateLimit(limits))
		}
	}

	if statusAddr := config.GetString("status-address"); statusAddr != "" {
		for _, key := range config.GetStringSlice("status-key") {
			statusserver.AddAccessKey(key)
		}
		go func() {
			if err := statusserver.ListenAndServe(runCtx, statusAddr, sess, ex, ctx); err != nil {
				ctx.WithError(err).Error("Status server stopped")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		ctx.WithField("signal", <-sigChan).Info("signal received")
		cancel()
	}()

	if err := b.Run(runCtx); err != nil {
		ctx.WithError(err).Error("Bridge stopped")
	}
}

func refreshBlocklist(runCtx context.Context, bl *blocklist.Blocklist, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			bl.FetchRemotes()
		}
	}
}

func init() {
	BridgeCmd.Flags().Bool("debug", false, "Print debug logs")
	BridgeCmd.Flags().String("log-file", "", "Location of the log file")

	BridgeCmd.Flags().String("project", "", "Cloud project ID")
	BridgeCmd.Flags().String("region", "europe-west1", "Cloud region of the device registry")
	BridgeCmd.Flags().String("registry", "", "Device registry ID")
	BridgeCmd.Flags().String("gateway", "", "Gateway ID in the device registry")

	BridgeCmd.Flags().String("private-key-file", "rsa_private.pem", "Location of the private key of the gateway")
	BridgeCmd.Flags().String("algorithm", auth.RS256, "Signing algorithm of the private key (RS256 or ES256)")
	BridgeCmd.Flags().Duration("token-lifetime", auth.DefaultLifetime, "Lifetime of issued tokens")
	BridgeCmd.Flags().Duration("token-margin", auth.DefaultSafetyMargin, "Time before token expiry at which the session is renewed")
	BridgeCmd.Flags().Duration("token-check-interval", bridge.DefaultConfig.TokenCheckInterval, "Interval at which the token expiry is checked")

	BridgeCmd.Flags().String("mqtt-address", mqtt.DefaultBroker, "MQTT bridge of the device registry")
	BridgeCmd.Flags().String("ca-file", "roots.pem", "Location of the file containing the CA certificates of the MQTT bridge")
	BridgeCmd.Flags().Duration("ack-timeout", session.DefaultAckTimeout, "Time to wait for publish acknowledgements")
	BridgeCmd.Flags().Int("publish-retries", session.DefaultMaxPublishRetries, "Number of times an unacknowledged attach or detach is sent again (negative to disable)")
	BridgeCmd.Flags().Int("reconnect-attempts", int(session.DefaultBackoff.MaxAttempts), "Number of connection attempts before giving up until the next check (0 for unlimited)")
	BridgeCmd.Flags().Duration("reconnect-min-interval", session.DefaultBackoff.MinInterval, "Interval after the first failed connection attempt")
	BridgeCmd.Flags().Duration("reconnect-max-interval", session.DefaultBackoff.MaxInterval, "Maximum interval between connection attempts")

	BridgeCmd.Flags().String("events-topic-owner", exchange.EventsTopicGateway, "Publish telemetry on the events topic of the \"gateway\" or the \"device\"")
	BridgeCmd.Flags().Bool("confirm-attach", false, "Wait for the acknowledgement of attach commands before publishing telemetry")
	BridgeCmd.Flags().Bool("subscribe-config", false, "Subscribe to the config topic of attached devices")

	BridgeCmd.Flags().String("serial-port", "/dev/ttyACM0", "Serial port of the sensor microcontroller")
	BridgeCmd.Flags().Int("baud-rate", serial.DefaultConfig.BaudRate, "Baud rate of the serial port")
	BridgeCmd.Flags().Duration("retry-delay", bridge.DefaultConfig.RetryDelay, "Time to wait before handling a frame again when the session is not available")
	BridgeCmd.Flags().Duration("silence-timeout", bridge.DefaultConfig.SilenceTimeout, "Warn when no data is received from the serial port for this long (0 to disable)")

	BridgeCmd.Flags().Bool("redis", false, "Persist attached devices and rate limits in Redis")
	BridgeCmd.Flags().String("redis-address", "localhost:6379", "Redis host and port")
	BridgeCmd.Flags().String("redis-password", "", "Redis password")
	BridgeCmd.Flags().Int("redis-db", 0, "Redis database")

	BridgeCmd.Flags().String("amqp", "disable", "AMQP Broker to mirror telemetry to (user:pass@host:port, disable with \"disable\")")
	BridgeCmd.Flags().String("amqp-exchange", "amq.topic", "AMQP exchange to mirror telemetry to")

	BridgeCmd.Flags().StringSlice("blocklist", nil, "Blocklist files or URLs")
	BridgeCmd.Flags().Duration("blocklist-refresh", time.Hour, "Interval at which remote blocklists are fetched")

	BridgeCmd.Flags().Duration("deduplicate", 0, "Drop identical readings of a device received within this window (0 to disable)")

	BridgeCmd.Flags().Bool("ratelimit", false, "Rate-limit frames per device")
	BridgeCmd.Flags().Int("ratelimit-telemetry", 60, "Telemetry frames per device per minute")
	BridgeCmd.Flags().Int("ratelimit-commands", 10, "Attach and detach commands per device per minute")

	BridgeCmd.Flags().String("status-address", "", "Address of the status server (for example localhost:8080)")
	BridgeCmd.Flags().StringSlice("status-key", nil, "Access keys for the status endpoint")

	viper.BindPFlags(BridgeCmd.Flags())
}
