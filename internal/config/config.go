package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "trafficviewer.cfg.json"

// Render modes.
const (
	RenderHeadless = "headless"
	RenderStream   = "stream"
)

// SimulationConfig holds the grid the server is initialized with.
type SimulationConfig struct {
	NAgents int `json:"nAgents" mapstructure:"nAgents"`
	Width   int `json:"width" mapstructure:"width"`
	Height  int `json:"height" mapstructure:"height"`
}

// RenderConfig selects and tunes the renderer.
type RenderConfig struct {
	Mode         string `json:"mode" mapstructure:"mode"`
	FPS          int    `json:"fps" mapstructure:"fps"`
	StreamURL    string `json:"streamUrl" mapstructure:"streamUrl"`
	StreamToken  string `json:"streamToken" mapstructure:"streamToken"`
	SummaryEvery uint64 `json:"summaryEvery" mapstructure:"summaryEvery"`
}

// MeshConfig holds model file paths handed to the renderer.
type MeshConfig struct {
	Car          string `json:"car" mapstructure:"car"`
	TrafficLight string `json:"trafficLight" mapstructure:"trafficLight"`
	Building1    string `json:"building1" mapstructure:"building1"`
	Building2    string `json:"building2" mapstructure:"building2"`
	Road         string `json:"road" mapstructure:"road"`
	Destination  string `json:"destination" mapstructure:"destination"`
}

// OTelConfig holds OpenTelemetry log export settings.
type OTelConfig struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	Endpoint     string
	Insecure     bool
}

// Viewer is the typed view of every viewer setting.
type Viewer struct {
	LogLevel string
	LogsDir  string

	ServerURL  string
	APITimeout time.Duration

	Simulation           SimulationConfig
	UpdateInterval       time.Duration
	Render               RenderConfig
	Camera               [3]float32
	MaxLights            int
	DestinationTolerance float32
	Meshes               MeshConfig

	StatusDir      string
	MetricsAddress string

	InfluxEnabled    bool
	InfluxBackupPath string

	GraylogEnabled bool
	GraylogAddress string

	OTel OTelConfig
}

// SetDefaults registers the default of every key.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("api.serverUrl", "http://localhost:8585")
	viper.SetDefault("api.timeout", "0s")

	viper.SetDefault("simulation.nAgents", 5)
	viper.SetDefault("simulation.width", 10)
	viper.SetDefault("simulation.height", 10)
	viper.SetDefault("updateInterval", "100ms")

	viper.SetDefault("render.mode", RenderHeadless)
	viper.SetDefault("render.fps", 60)
	viper.SetDefault("render.streamUrl", "ws://localhost:8090/ws")
	viper.SetDefault("render.streamToken", "")
	viper.SetDefault("render.summaryEvery", 300)

	viper.SetDefault("camera.x", 0)
	viper.SetDefault("camera.y", 9)
	viper.SetDefault("camera.z", 9)

	viper.SetDefault("lights.max", 24)
	viper.SetDefault("destinationTolerance", 0.1)

	viper.SetDefault("meshes.car", "./Figures/coche.obj")
	viper.SetDefault("meshes.trafficLight", "./Figures/Semaforo.obj")
	viper.SetDefault("meshes.building1", "./Figures/Building.obj")
	viper.SetDefault("meshes.building2", "./Figures/Building2.obj")
	viper.SetDefault("meshes.road", "./Figures/Road.obj")
	viper.SetDefault("meshes.destination", "./Figures/Road.obj")

	viper.SetDefault("statusDir", "./status")
	viper.SetDefault("metrics.address", "")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "trafficsim")
	viper.SetDefault("influx.bucket", "trafficviewer")
	viper.SetDefault("influx.backupPath", "./logs/influx_backup.lp.gz")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "trafficviewer")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file. Defaults are
// registered even when the file cannot be read.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// GetViewerConfig builds the typed settings from viper.
func GetViewerConfig() (Viewer, error) {
	v := Viewer{
		LogLevel:   viper.GetString("logLevel"),
		LogsDir:    viper.GetString("logsDir"),
		ServerURL:  viper.GetString("api.serverUrl"),
		APITimeout: viper.GetDuration("api.timeout"),
		Simulation: SimulationConfig{
			NAgents: viper.GetInt("simulation.nAgents"),
			Width:   viper.GetInt("simulation.width"),
			Height:  viper.GetInt("simulation.height"),
		},
		UpdateInterval: viper.GetDuration("updateInterval"),
		Render: RenderConfig{
			Mode:         viper.GetString("render.mode"),
			FPS:          viper.GetInt("render.fps"),
			StreamURL:    viper.GetString("render.streamUrl"),
			StreamToken:  viper.GetString("render.streamToken"),
			SummaryEvery: viper.GetUint64("render.summaryEvery"),
		},
		Camera: [3]float32{
			float32(viper.GetFloat64("camera.x")),
			float32(viper.GetFloat64("camera.y")),
			float32(viper.GetFloat64("camera.z")),
		},
		MaxLights:            viper.GetInt("lights.max"),
		DestinationTolerance: float32(viper.GetFloat64("destinationTolerance")),
		StatusDir:            viper.GetString("statusDir"),
		MetricsAddress:       viper.GetString("metrics.address"),
		InfluxEnabled:        viper.GetBool("influx.enabled"),
		InfluxBackupPath:     viper.GetString("influx.backupPath"),
		GraylogEnabled:       viper.GetBool("graylog.enabled"),
		GraylogAddress:       viper.GetString("graylog.address"),
		Meshes: MeshConfig{
			Car:          viper.GetString("meshes.car"),
			TrafficLight: viper.GetString("meshes.trafficLight"),
			Building1:    viper.GetString("meshes.building1"),
			Building2:    viper.GetString("meshes.building2"),
			Road:         viper.GetString("meshes.road"),
			Destination:  viper.GetString("meshes.destination"),
		},
		OTel: OTelConfig{
			Enabled:      viper.GetBool("otel.enabled"),
			ServiceName:  viper.GetString("otel.serviceName"),
			BatchTimeout: viper.GetDuration("otel.batchTimeout"),
			Endpoint:     viper.GetString("otel.endpoint"),
			Insecure:     viper.GetBool("otel.insecure"),
		},
	}
	if err := v.Validate(); err != nil {
		return Viewer{}, err
	}
	return v, nil
}

// Validate rejects settings the viewer cannot run with.
func (v Viewer) Validate() error {
	switch {
	case v.Simulation.Width <= 0 || v.Simulation.Height <= 0:
		return fmt.Errorf("simulation grid must be positive, got %dx%d", v.Simulation.Width, v.Simulation.Height)
	case v.Simulation.NAgents < 0:
		return fmt.Errorf("simulation.nAgents must not be negative, got %d", v.Simulation.NAgents)
	case v.UpdateInterval <= 0:
		return fmt.Errorf("updateInterval must be positive, got %s", v.UpdateInterval)
	case v.Render.FPS <= 0:
		return fmt.Errorf("render.fps must be positive, got %d", v.Render.FPS)
	case v.MaxLights <= 0:
		return fmt.Errorf("lights.max must be positive, got %d", v.MaxLights)
	case v.DestinationTolerance < 0:
		return fmt.Errorf("destinationTolerance must not be negative, got %g", v.DestinationTolerance)
	case v.Render.Mode != RenderHeadless && v.Render.Mode != RenderStream:
		return fmt.Errorf("render.mode must be %q or %q, got %q", RenderHeadless, RenderStream, v.Render.Mode)
	}
	return nil
}
