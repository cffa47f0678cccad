package locking

import "time"

// Config tunes lock lifetime and the expiry sweeper.
type Config struct {
	// TTL is added to the request time on every grant or refresh.
	TTL time.Duration `yaml:"ttl"`
	// SweepInterval is how often expired locks are collected and announced.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// Stripes is the number of per-entity mutexes.
	Stripes int `yaml:"stripes"`
}

func DefaultConfig() Config {
	return Config{
		TTL:           5 * time.Minute,
		SweepInterval: time.Second,
		Stripes:       64,
	}
}
