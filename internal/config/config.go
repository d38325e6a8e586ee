// Package config boots the process configuration the way tr1d1um.go does:
// a pflag.FlagSet feeding a viper.Viper, with a defaults map applied before
// any config file or environment override is read. This service is not in
// the business of offering a generic config-loading framework for other
// services to reuse; it just boots the ordinary way.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	applicationName = "relaypushd"

	identTimeoutKey       = "identTimeout"
	pingTimeoutKey        = "pingTimeout"
	pingPeriodKey         = "pingPeriod"
	evictTimeoutKey       = "evictTimeout"
	maxPendingAcksKey     = "maxPendingAcks"
	maxTTLKey             = "maxTTLSeconds"
	maxDataKey            = "maxDataBytes"
	routerVersionRetryKey = "routerVersionRetries"
	directNotifyTimeout   = "directNotifyTimeout"
	bridgeTimeoutKey      = "bridgeTimeout"
	broadcastPollInterval = "broadcastPollInterval"
	redisAddrKey          = "redis.addr"
	redisPoolSizeKey      = "redis.poolSize"
	postgresDSNKey        = "postgres.dsn"
	listenAddrKey         = "listenAddr"
	wsListenAddrKey       = "wsListenAddr"
	nodeKey               = "node"
	keyringKeysKey        = "keyring.keys"
	reliabilitySweepKey   = "reliabilitySweepInterval"
	apnsCertPathKey       = "apns.certificatePath"
	apnsKeyPathKey        = "apns.keyPath"
	apnsTopicKey          = "apns.topic"
	apnsProductionKey     = "apns.production"
	fcmCredentialsPathKey = "fcm.credentialsPath"
)

var defaults = map[string]interface{}{
	identTimeoutKey:       "10s",
	pingTimeoutKey:        "4s",
	pingPeriodKey:         "30s",
	evictTimeoutKey:       "5s",
	maxPendingAcksKey:     10,
	maxTTLKey:             30 * 24 * 60 * 60,
	maxDataKey:            4096,
	routerVersionRetryKey: 3,
	directNotifyTimeout:   "2s",
	bridgeTimeoutKey:      "3s",
	broadcastPollInterval: "30s",
	redisAddrKey:          "localhost:6379",
	redisPoolSizeKey:      10,
	postgresDSNKey:        "",
	listenAddrKey:         ":8080",
	wsListenAddrKey:       ":8081",
	nodeKey:               "localhost:8081",
	keyringKeysKey:        []string{},
	reliabilitySweepKey:   "30s",
	apnsCertPathKey:       "",
	apnsKeyPathKey:        "",
	apnsTopicKey:          "",
	apnsProductionKey:     false,
	fcmCredentialsPathKey: "",
}

// Config is the fully parsed, typed configuration surface every component
// constructor takes a pointer to.
type Config struct {
	IdentTimeout       time.Duration
	PingTimeout        time.Duration
	PingPeriod         time.Duration
	EvictTimeout       time.Duration
	MaxPendingAcks     int
	MaxTTLSeconds      int64
	MaxDataBytes       int
	RouterVersionRetry int
	DirectNotifyTimeout time.Duration
	BridgeTimeout      time.Duration
	BroadcastPoll      time.Duration
	RedisAddr          string
	RedisPoolSize      int
	PostgresDSN        string
	ListenAddr         string
	WSListenAddr       string

	// Node is this process's own locator, written into RouterRecord.RouterData
	// for websocket devices and compared against an inbound notification's
	// target host to decide local delivery vs an inter-node hop.
	Node string

	// KeyringKeys are hex-encoded AES-256 keys for the endpoint-token
	// Keyring, primary (write) key first; every key is still accepted for
	// reads after a rotation.
	KeyringKeys []string

	ReliabilitySweepInterval time.Duration

	APNSCertificatePath string
	APNSKeyPath         string
	APNSTopic           string
	APNSProduction      bool

	// FCMCredentialsPath is a service-account JSON file; the FCM provider
	// is only registered when this is set.
	FCMCredentialsPath string
}

// New parses arguments the same way tr1d1um.go does: a ContinueOnError
// pflag.FlagSet feeding a fresh viper.Viper, defaults applied first so an
// unset config file or environment still produces a runnable service.
func New(arguments []string) (*Config, error) {
	f := pflag.NewFlagSet(applicationName, pflag.ContinueOnError)
	v := viper.New()

	f.String("config", "", "path to a config file")
	if err := f.Parse(arguments); err != nil {
		return nil, fmt.Errorf("config: parsing flags: %w", err)
	}

	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(applicationName)
	v.AutomaticEnv()

	if path, _ := f.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	c := &Config{
		MaxPendingAcks:     v.GetInt(maxPendingAcksKey),
		MaxTTLSeconds:      v.GetInt64(maxTTLKey),
		MaxDataBytes:       v.GetInt(maxDataKey),
		RouterVersionRetry: v.GetInt(routerVersionRetryKey),
		RedisAddr:          v.GetString(redisAddrKey),
		RedisPoolSize:      v.GetInt(redisPoolSizeKey),
		PostgresDSN:        v.GetString(postgresDSNKey),
		ListenAddr:         v.GetString(listenAddrKey),
		WSListenAddr:       v.GetString(wsListenAddrKey),

		Node:        v.GetString(nodeKey),
		KeyringKeys: v.GetStringSlice(keyringKeysKey),

		APNSCertificatePath: v.GetString(apnsCertPathKey),
		APNSKeyPath:         v.GetString(apnsKeyPathKey),
		APNSTopic:           v.GetString(apnsTopicKey),
		APNSProduction:      v.GetBool(apnsProductionKey),

		FCMCredentialsPath: v.GetString(fcmCredentialsPathKey),
	}

	var err error
	for key, dst := range map[string]*time.Duration{
		identTimeoutKey:       &c.IdentTimeout,
		pingTimeoutKey:        &c.PingTimeout,
		pingPeriodKey:         &c.PingPeriod,
		evictTimeoutKey:       &c.EvictTimeout,
		directNotifyTimeout:   &c.DirectNotifyTimeout,
		bridgeTimeoutKey:      &c.BridgeTimeout,
		broadcastPollInterval: &c.BroadcastPoll,
		reliabilitySweepKey:   &c.ReliabilitySweepInterval,
	} {
		*dst, err = time.ParseDuration(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", key, err)
		}
	}

	return c, nil
}
