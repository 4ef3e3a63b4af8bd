// Package kafka implements the two upstream wire dialects: a consumer-group
// reader for the topic-per-table convention and a single-partition reader
// for the partitioned single-topic convention.
package kafka

import (
	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config describes one broker cluster connection shared by every PipeLine
// reading from it. Brokers is mandatory and Version must parse as a Kafka
// version; Validate checks only Brokers and the SASL mechanism, and Version
// is parsed when the sarama config is built. The SASL fields are only
// consulted when Mechanism is non-empty.
type Config struct {
	Brokers []string
	Version string

	SASL struct {
		Mechanism string // "", "PLAIN", "SCRAM-SHA-256", or "SCRAM-SHA-512"
		User      string
		Password  string
	}
}

// Bind registers the connection flags, each named with a "kafka-" prefix.
// One flag set describes one cluster.
func (c *Config) Bind(f *pflag.FlagSet) {
	f.StringArrayVar(&c.Brokers, "kafka-broker", nil, "address of a Kafka broker; may be repeated")
	f.StringVar(&c.Version, "kafka-version", "2.8.0", "Kafka protocol version to negotiate")
	f.StringVar(&c.SASL.Mechanism, "kafka-sasl-mechanism", "", "PLAIN, SCRAM-SHA-256, or SCRAM-SHA-512; empty disables SASL")
	f.StringVar(&c.SASL.User, "kafka-sasl-user", "", "SASL username")
	f.StringVar(&c.SASL.Password, "kafka-sasl-password", "", "SASL password")
}

// Validate checks that the mandatory fields are present and the SASL
// mechanism, if any, is one this package knows how to negotiate.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	switch c.SASL.Mechanism {
	case "", sarama.SASLTypePlaintext, sarama.SASLTypeSCRAMSHA256, sarama.SASLTypeSCRAMSHA512:
	default:
		return errors.Errorf("kafka: unsupported SASL mechanism %q", c.SASL.Mechanism)
	}
	return nil
}

// saramaConfig builds the shared sarama.Config for a connection: protocol
// version, SASL if configured, and the consumer-side settings every dialect
// wants (return errors on the channel instead of panicking, read from the
// oldest available offset on a brand-new group).
func (c *Config) saramaConfig() (*sarama.Config, error) {
	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing kafka version %q", c.Version)
	}

	cfg := sarama.NewConfig()
	cfg.Version = version
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	if c.SASL.Mechanism != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.User = c.SASL.User
		cfg.Net.SASL.Password = c.SASL.Password
		cfg.Net.SASL.Mechanism = sarama.SASLMechanism(c.SASL.Mechanism)
		switch c.SASL.Mechanism {
		case sarama.SASLTypeSCRAMSHA256:
			cfg.Net.SASL.SCRAMClientGeneratorFunc = newScramClientSHA256
		case sarama.SASLTypeSCRAMSHA512:
			cfg.Net.SASL.SCRAMClientGeneratorFunc = newScramClientSHA512
		}
	}

	return cfg, nil
}
