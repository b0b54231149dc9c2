package config

import "time"

// DefaultConfig returns the built-in configuration every loaded file is layered on.
func DefaultConfig() *Config {
	return &Config{
		NumWorkers:        3,
		WorkspaceDir:      "./workspace",
		DatabasePath:      "conductor.db",
		TaskTimeout:       Seconds(1800),
		HeartbeatInterval: Seconds(30),
		DefaultPriority:   5,
		MaxRetries:        3,
		LogLevel:          "INFO",
		ShutdownTimeout:   Seconds(30),
		Executor: ExecutorConfig{
			Type: "simulation",
			Simulation: SimulationConfig{
				Seed: 1,
			},
		},
		Dispatcher: DispatcherConfig{
			Interval:  Duration(time.Second),
			ScanLimit: 4096,
		},
		Adviser: AdviserConfig{
			CheckInterval: Seconds(30),
			FailureWindow: 50,
			AlertThresholds: AlertThresholds{
				FailureRate:      0.2,
				StuckTaskTimeout: Seconds(1800),
			},
		},
		Breaker: BreakerConfig{
			MaxConsecutiveFailures: 5,
			OpenTimeout:            Seconds(30),
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Intake: IntakeConfig{
			Dir: "./inbox",
		},
	}
}
