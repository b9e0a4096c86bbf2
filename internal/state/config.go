package state

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/lorawatch/helpers"
	"github.com/temoto/lorawatch/log2"
)

const (
	DefaultTxTimeout         = 3 * time.Second
	DefaultAckTimeout        = 5 * time.Second
	DefaultSenderInterval    = 15 * time.Second
	DefaultHandshakeRetry    = 10 * time.Second
	DefaultPublishInterval   = 10 * time.Second
	DefaultMaxSilence        = 5 * time.Minute
	DefaultSampleInterval    = 5 * time.Second
	DefaultNetworkTimeout    = 30 * time.Second
	DefaultKeepalive         = 60 * time.Second
	DefaultRadioBaud         = 9600
	DefaultRFConfig          = "868,SF7,125,12,15,14"
	DefaultProbeInterval     = 60 * time.Second
	DefaultAdapterListen     = ":3000"
	DefaultBrokerListen      = "tcp://0.0.0.0:1883"
	DefaultChangeThreshold   = 0.1
	PublishPolicyPeriodic    = "periodic"
	PublishPolicyOnChange    = "on_change"
	DefaultTopicHandshakeReq = "handshake/request"
	DefaultTopicHandshakeRes = "handshake/response/"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Node struct {
		// Id is this node on radio link, 1..255.
		Id       int    `hcl:"id"`
		Name     string `hcl:"name"`
		LogDebug bool   `hcl:"log_debug"`
	} `hcl:"node"`

	// Secret is shared by radio link and MQTT leg.
	Secret string `hcl:"secret"`

	Radio    RadioConfig    `hcl:"radio"`
	Sender   SenderConfig   `hcl:"sender"`
	Receiver ReceiverConfig `hcl:"receiver"`
	Sensor   SensorConfig   `hcl:"sensor"`
	Tele     TeleConfig     `hcl:"tele"`
	Adapter  AdapterConfig  `hcl:"adapter"`
	Broker   BrokerConfig   `hcl:"broker"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type RadioConfig struct {
	Device           string `hcl:"device"`
	Baud             int    `hcl:"baud"`
	RFConfig         string `hcl:"rfcfg"`
	TxTimeoutMs      int    `hcl:"tx_timeout_ms"`
	AckTimeoutMs     int    `hcl:"ack_timeout_ms"`
	AckStrict        bool   `hcl:"ack_strict"`
	ProbeIntervalSec int    `hcl:"probe_interval_sec"`
	LogDebug         bool   `hcl:"log_debug"`
}

func (c *RadioConfig) TxTimeout() time.Duration {
	return helpers.IntMillisecondDefault(c.TxTimeoutMs, DefaultTxTimeout)
}
func (c *RadioConfig) AckTimeout() time.Duration {
	return helpers.IntMillisecondDefault(c.AckTimeoutMs, DefaultAckTimeout)
}
func (c *RadioConfig) ProbeInterval() time.Duration {
	return helpers.IntSecondDefault(c.ProbeIntervalSec, DefaultProbeInterval)
}
func (c *RadioConfig) BaudRate() int {
	if c.Baud == 0 {
		return DefaultRadioBaud
	}
	return c.Baud
}
func (c *RadioConfig) RF() string {
	if c.RFConfig == "" {
		return DefaultRFConfig
	}
	return c.RFConfig
}

type SenderConfig struct {
	IntervalSec    int    `hcl:"interval_sec"`
	PersistDir     string `hcl:"persist_dir"`
	SetSystemClock bool   `hcl:"set_system_clock"`
	// TimeSync requests time from gateway once at start.
	TimeSync bool `hcl:"time_sync"`
}

func (c *SenderConfig) Interval() time.Duration {
	return helpers.IntSecondDefault(c.IntervalSec, DefaultSenderInterval)
}

type ReceiverConfig struct {
	// AllowedPeers empty means any authenticated peer.
	AllowedPeers []int `hcl:"allowed_peers"`
}

func (c *ReceiverConfig) Allowed(peer uint8) bool {
	if len(c.AllowedPeers) == 0 {
		return true
	}
	for _, p := range c.AllowedPeers {
		if p == int(peer) {
			return true
		}
	}
	return false
}

type SensorConfig struct {
	// Path to text file "temperature humidity", empty to use static values.
	Path              string  `hcl:"path"`
	SampleIntervalSec int     `hcl:"sample_interval_sec"`
	Temperature       float64 `hcl:"temperature"`
	Humidity          float64 `hcl:"humidity"`
}

func (c *SensorConfig) SampleInterval() time.Duration {
	return helpers.IntSecondDefault(c.SampleIntervalSec, DefaultSampleInterval)
}

type SourceConfig struct {
	Name  string `hcl:"name,key"`
	Topic string `hcl:"topic"`
	// PeerId 0 is local sensor of the gateway.
	PeerId int `hcl:"peer_id"`
}

type TeleConfig struct {
	Enable             bool           `hcl:"enable"`
	MqttBroker         string         `hcl:"mqtt_broker"`
	MqttUsername       string         `hcl:"mqtt_username"`
	MqttPassword       string         `hcl:"mqtt_password"`
	ClientId           string         `hcl:"client_id"`
	KeepaliveSec       int            `hcl:"keepalive_sec"`
	NetworkTimeoutSec  int            `hcl:"network_timeout_sec"`
	HandshakeRetrySec  int            `hcl:"handshake_retry_sec"`
	PublishPolicy      string         `hcl:"publish_policy"`
	PublishIntervalSec int            `hcl:"publish_interval_sec"`
	ChangeThreshold    float64        `hcl:"change_threshold"`
	MaxSilenceSec      int            `hcl:"max_silence_sec"`
	PersistPath        string         `hcl:"persist_path"`
	LogDebug           bool           `hcl:"log_debug"`
	Sources            []SourceConfig `hcl:"source"`
}

func (c *TeleConfig) Keepalive() time.Duration {
	return helpers.IntSecondDefault(c.KeepaliveSec, DefaultKeepalive)
}
func (c *TeleConfig) NetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout)
}
func (c *TeleConfig) HandshakeRetry() time.Duration {
	return helpers.IntSecondDefault(c.HandshakeRetrySec, DefaultHandshakeRetry)
}
func (c *TeleConfig) PublishInterval() time.Duration {
	return helpers.IntSecondDefault(c.PublishIntervalSec, DefaultPublishInterval)
}
func (c *TeleConfig) MaxSilence() time.Duration {
	return helpers.IntSecondDefault(c.MaxSilenceSec, DefaultMaxSilence)
}
func (c *TeleConfig) Threshold() float64 {
	if c.ChangeThreshold <= 0 {
		return DefaultChangeThreshold
	}
	return c.ChangeThreshold
}
func (c *TeleConfig) Policy() string {
	if c.PublishPolicy == "" {
		return PublishPolicyPeriodic
	}
	return c.PublishPolicy
}

type AdapterConfig struct {
	MqttBroker string `hcl:"mqtt_broker"`
	ClientId   string `hcl:"client_id"`
	Listen     string `hcl:"listen"`
	DBPath     string `hcl:"db_path"`
	// Topics subscribed for telemetry, default is every tele source topic.
	Topics []string `hcl:"topics"`
}

func (c *AdapterConfig) ListenAddr() string {
	if c.Listen == "" {
		return DefaultAdapterListen
	}
	return c.Listen
}

type BrokerConfig struct {
	Listen            []string `hcl:"listen"`
	NetworkTimeoutSec int      `hcl:"network_timeout_sec"`
	Username          string   `hcl:"username"`
	Password          string   `hcl:"password"`
}

func (c *BrokerConfig) NetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout)
}

// Validate checks settings every role depends on.
func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if c.Secret == "" {
		errs = append(errs, errors.NotValidf("secret empty"))
	}
	if c.Node.Id < 0 || c.Node.Id > 255 {
		errs = append(errs, errors.NotValidf("node.id=%d out of 0..255", c.Node.Id))
	}
	switch c.Tele.Policy() {
	case PublishPolicyPeriodic, PublishPolicyOnChange:
	default:
		errs = append(errs, errors.NotValidf("tele.publish_policy=%s", c.Tele.PublishPolicy))
	}
	seen := make(map[string]struct{}, len(c.Tele.Sources))
	for _, s := range c.Tele.Sources {
		if _, ok := seen[s.Name]; ok {
			errs = append(errs, errors.NotValidf("tele.source=%s duplicate", s.Name))
		}
		seen[s.Name] = struct{}{}
		if s.Topic == "" || strings.ContainsAny(s.Topic, "#+") {
			errs = append(errs, errors.NotValidf("tele.source=%s topic='%s'", s.Name, s.Topic))
		}
		if s.PeerId < 0 || s.PeerId > 255 {
			errs = append(errs, errors.NotValidf("tele.source=%s peer_id=%d", s.Name, s.PeerId))
		}
	}
	for _, p := range c.Receiver.AllowedPeers {
		if p < 1 || p > 255 {
			errs = append(errs, errors.NotValidf("receiver.allowed_peers item=%d", p))
		}
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads names in order, later values override earlier.
// Relative includes resolve against directory of the first name.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
