// Package config описывает конфигурацию медиа шлюза и загружает ее через
// viper: значения по умолчанию, файл (yaml, json, toml), переменные окружения
// с префиксом MEDIA_GATEWAY_ и флаги командной строки.
package config

import (
	"fmt"
	"net/netip"
	"runtime"
	"strings"
	"time"

	"github.com/arzzra/media_gateway/pkg/channel"
	"github.com/arzzra/media_gateway/pkg/gateway"
	"github.com/arzzra/media_gateway/pkg/jitter"
	"github.com/arzzra/media_gateway/pkg/logger"
	"github.com/arzzra/media_gateway/pkg/network"
	"github.com/arzzra/media_gateway/pkg/scheduler"
	"github.com/samber/lo"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "MEDIA_GATEWAY"

// Config конфигурация шлюза
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Network   NetworkConfig   `mapstructure:"network"`
	Jitter    JitterConfig    `mapstructure:"jitter"`
	Channel   ChannelConfig   `mapstructure:"channel"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// SchedulerConfig параметры планировщика
type SchedulerConfig struct {
	Workers int           `mapstructure:"workers"`
	Tick    time.Duration `mapstructure:"tick"`
}

// NetworkConfig параметры сетевого мультиплексора
type NetworkConfig struct {
	LocalAddress     string   `mapstructure:"local_address"`
	ExternalAddress  string   `mapstructure:"external_address"`
	LowestPort       int      `mapstructure:"lowest_port"`
	HighestPort      int      `mapstructure:"highest_port"`
	Selectors        int      `mapstructure:"selectors"`
	BindAttempts     int      `mapstructure:"bind_attempts"`
	ReadBufferSize   int      `mapstructure:"read_buffer_size"`
	MaxPendingWrites int      `mapstructure:"max_pending_writes"`
	DSCP             int      `mapstructure:"dscp"`
	ReusePort        bool     `mapstructure:"reuse_port"`
	Device           string   `mapstructure:"device"`
	UseSBC           bool     `mapstructure:"use_sbc"`
	LocalSubnets     []string `mapstructure:"local_subnets"`
}

// JitterConfig параметры jitter buffer
type JitterConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Delay      time.Duration `mapstructure:"delay"`
	Size       time.Duration `mapstructure:"size"`
	MaxEntries int           `mapstructure:"max_entries"`
}

// ChannelConfig параметры каналов
type ChannelConfig struct {
	RTPTimeout     time.Duration `mapstructure:"rtp_timeout"`
	CloseOnTimeout bool          `mapstructure:"close_on_timeout"`
	DTMFQueue      int           `mapstructure:"dtmf_queue"`
	ICELite        bool          `mapstructure:"ice_lite"`
	SessionName    string        `mapstructure:"session_name"`
}

// MetricsConfig параметры экспорта метрик
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// LogConfig параметры журнала
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Default возвращает конфигурацию по умолчанию
func Default() Config {
	jb := jitter.DefaultConfig()
	netDefaults := network.DefaultConfig()

	return Config{
		Scheduler: SchedulerConfig{
			Workers: runtime.NumCPU(),
			Tick:    10 * time.Millisecond,
		},
		Network: NetworkConfig{
			LocalAddress:     "127.0.0.1",
			LowestPort:       10000,
			HighestPort:      20000,
			Selectors:        netDefaults.Selectors,
			BindAttempts:     netDefaults.BindAttempts,
			ReadBufferSize:   netDefaults.ReadBufferSize,
			MaxPendingWrites: netDefaults.MaxPendingWrites,
			DSCP:             netDefaults.Socket.DSCP,
		},
		Jitter: JitterConfig{
			Enabled:    true,
			Delay:      jb.Delay,
			Size:       jb.Size,
			MaxEntries: jb.MaxEntries,
		},
		Channel: ChannelConfig{
			RTPTimeout:     0,
			CloseOnTimeout: true,
			DTMFQueue:      channel.DefaultDTMFQueue,
			SessionName:    "media_gateway",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Address:   ":9090",
			Path:      "/metrics",
			Namespace: "media_gateway",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate проверяет конфигурацию целиком
func (c Config) Validate() error {
	if err := c.SchedulerConfig().Validate(); err != nil {
		return err
	}
	netCfg, err := c.NetworkConfig()
	if err != nil {
		return err
	}
	if err := netCfg.Validate(); err != nil {
		return err
	}
	if _, err := network.NewPortManager(c.Network.LowestPort, c.Network.HighestPort); err != nil {
		return err
	}
	if err := c.ChannelConfig().Validate(); err != nil {
		return err
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("адрес метрик обязателен, когда метрики включены")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// SchedulerConfig конфигурация планировщика
func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{Workers: c.Scheduler.Workers, Tick: c.Scheduler.Tick}
}

// NetworkConfig конфигурация мультиплексора. Адреса и подсети разбираются здесь.
func (c Config) NetworkConfig() (network.Config, error) {
	n := c.Network
	cfg := network.DefaultConfig()

	local, err := netip.ParseAddr(strings.TrimSpace(n.LocalAddress))
	if err != nil {
		return cfg, fmt.Errorf("неверный локальный адрес %q: %w", n.LocalAddress, err)
	}
	cfg.LocalAddress = local

	if strings.TrimSpace(n.ExternalAddress) != "" {
		external, err := netip.ParseAddr(strings.TrimSpace(n.ExternalAddress))
		if err != nil {
			return cfg, fmt.Errorf("неверный внешний адрес %q: %w", n.ExternalAddress, err)
		}
		cfg.ExternalAddress = external
	}

	subnets := lo.Filter(lo.Map(n.LocalSubnets, func(s string, _ int) string {
		return strings.TrimSpace(s)
	}), func(s string, _ int) bool {
		return s != ""
	})
	prefixes, err := network.ParseSubnets(subnets)
	if err != nil {
		return cfg, err
	}

	cfg.Selectors = n.Selectors
	cfg.BindAttempts = n.BindAttempts
	cfg.ReadBufferSize = n.ReadBufferSize
	cfg.MaxPendingWrites = n.MaxPendingWrites
	cfg.Socket.DSCP = n.DSCP
	cfg.Socket.ReusePort = n.ReusePort
	cfg.Socket.BindToDevice = n.Device
	cfg.Policy = network.PeerPolicy{UseSBC: n.UseSBC, LocalSubnets: prefixes}
	return cfg, nil
}

// ChannelConfig конфигурация каналов
func (c Config) ChannelConfig() channel.Config {
	return channel.Config{
		Jitter: jitter.Config{
			Delay:      c.Jitter.Delay,
			Size:       c.Jitter.Size,
			MaxEntries: c.Jitter.MaxEntries,
		},
		UseJitter:  c.Jitter.Enabled,
		RTPTimeout: c.Channel.RTPTimeout,
		DTMFQueue:  c.Channel.DTMFQueue,
	}
}

// GatewayConfig конфигурация шлюза
func (c Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		Channel:        c.ChannelConfig(),
		SessionName:    c.Channel.SessionName,
		ICELite:        c.Channel.ICELite,
		CloseOnTimeout: c.Channel.CloseOnTimeout,
	}
}

// LoggerOptions параметры logrus
func (c Config) LoggerOptions() logger.Options {
	return logger.Options{Level: c.Log.Level, JSON: c.Log.JSON}
}

// Flags набор флагов командной строки. Имена флагов совпадают с ключами
// конфигурации, поэтому Load связывает их с viper напрямую.
func Flags() *pflag.FlagSet {
	d := Default()
	fs := pflag.NewFlagSet("media_gateway", pflag.ContinueOnError)

	fs.String("config", "", "путь к файлу конфигурации")
	fs.String("log.level", d.Log.Level, "уровень логирования")
	fs.Bool("log.json", d.Log.JSON, "журнал в формате JSON")
	fs.Int("scheduler.workers", d.Scheduler.Workers, "количество рабочих циклов планировщика")
	fs.String("network.local_address", d.Network.LocalAddress, "адрес внутренней сети")
	fs.String("network.external_address", d.Network.ExternalAddress, "внешний адрес")
	fs.Int("network.lowest_port", d.Network.LowestPort, "нижняя граница диапазона RTP портов")
	fs.Int("network.highest_port", d.Network.HighestPort, "верхняя граница диапазона RTP портов")
	fs.Bool("jitter.enabled", d.Jitter.Enabled, "буферизация входящего потока")
	fs.Duration("channel.rtp_timeout", d.Channel.RTPTimeout, "таймаут неактивности RTP (0 - отключен)")
	fs.Bool("channel.ice_lite", d.Channel.ICELite, "ответчик STUN на сокетах каналов")
	fs.Bool("metrics.enabled", d.Metrics.Enabled, "экспорт метрик Prometheus")
	fs.String("metrics.address", d.Metrics.Address, "адрес HTTP сервера метрик")
	return fs
}

// Load загружает конфигурацию. path пустой - файл не читается. flags может
// быть nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("ошибка чтения файла конфигурации %s: %w", path, err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("ошибка привязки флагов: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("ошибка разбора конфигурации: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("неверная конфигурация: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("scheduler.workers", d.Scheduler.Workers)
	v.SetDefault("scheduler.tick", d.Scheduler.Tick)

	v.SetDefault("network.local_address", d.Network.LocalAddress)
	v.SetDefault("network.external_address", d.Network.ExternalAddress)
	v.SetDefault("network.lowest_port", d.Network.LowestPort)
	v.SetDefault("network.highest_port", d.Network.HighestPort)
	v.SetDefault("network.selectors", d.Network.Selectors)
	v.SetDefault("network.bind_attempts", d.Network.BindAttempts)
	v.SetDefault("network.read_buffer_size", d.Network.ReadBufferSize)
	v.SetDefault("network.max_pending_writes", d.Network.MaxPendingWrites)
	v.SetDefault("network.dscp", d.Network.DSCP)
	v.SetDefault("network.reuse_port", d.Network.ReusePort)
	v.SetDefault("network.device", d.Network.Device)
	v.SetDefault("network.use_sbc", d.Network.UseSBC)
	v.SetDefault("network.local_subnets", d.Network.LocalSubnets)

	v.SetDefault("jitter.enabled", d.Jitter.Enabled)
	v.SetDefault("jitter.delay", d.Jitter.Delay)
	v.SetDefault("jitter.size", d.Jitter.Size)
	v.SetDefault("jitter.max_entries", d.Jitter.MaxEntries)

	v.SetDefault("channel.rtp_timeout", d.Channel.RTPTimeout)
	v.SetDefault("channel.close_on_timeout", d.Channel.CloseOnTimeout)
	v.SetDefault("channel.dtmf_queue", d.Channel.DTMFQueue)
	v.SetDefault("channel.ice_lite", d.Channel.ICELite)
	v.SetDefault("channel.session_name", d.Channel.SessionName)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.address", d.Metrics.Address)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
}
