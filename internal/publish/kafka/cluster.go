package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// SASL mechanisms accepted in AuthConfig.Mechanism.
const (
	MechanismPlain       = "PLAIN"
	MechanismScramSHA256 = "SCRAM-SHA-256"
	MechanismScramSHA512 = "SCRAM-SHA-512"
)

// ClusterConfig describes how to reach the brokers.
type ClusterConfig struct {
	Brokers []string   `yaml:"brokers" env:"BROKERS" env-separator:","`
	Auth    AuthConfig `yaml:"auth,omitempty" env-prefix:"AUTH_"`
	TLS     TLSConfig  `yaml:"tls,omitempty" env-prefix:"TLS_"`
}

// AuthConfig holds SASL credentials.
type AuthConfig struct {
	Mechanism string `yaml:"mechanism" env:"MECHANISM"`
	Username  string `yaml:"username" env:"USERNAME"`
	Password  string `yaml:"password" env:"PASSWORD"`
}

// TLSConfig holds TLS settings. CertFile and KeyFile enable mTLS.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" env:"ENABLED"`
	CAFile     string `yaml:"caFile,omitempty" env:"CA_FILE"`
	CertFile   string `yaml:"certFile,omitempty" env:"CERT_FILE"`
	KeyFile    string `yaml:"keyFile,omitempty" env:"KEY_FILE"`
	SkipVerify bool   `yaml:"skipVerify,omitempty" env:"SKIP_VERIFY"`
}

// Validate checks the cluster configuration.
func (c *ClusterConfig) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers are required"))
	}
	if c.Auth.Mechanism != "" {
		switch c.Auth.Mechanism {
		case MechanismPlain, MechanismScramSHA256, MechanismScramSHA512:
		default:
			errs = append(errs, fmt.Errorf("auth.mechanism %q is not one of %s, %s, %s",
				c.Auth.Mechanism, MechanismPlain, MechanismScramSHA256, MechanismScramSHA512))
		}
		if c.Auth.Username == "" || c.Auth.Password == "" {
			errs = append(errs, errors.New("auth.username and auth.password are required when a mechanism is set"))
		}
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.certFile and tls.keyFile must be set together"))
	}
	return errors.Join(errs...)
}

// clientOptions translates the cluster configuration into kgo options.
func clientOptions(cfg ClusterConfig) ([]kgo.Opt, error) {
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}

	if cfg.Auth.Mechanism != "" {
		mech, err := saslMechanism(cfg.Auth)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}
	if cfg.TLS.Enabled {
		tlsCfg, err := tlsConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	return opts, nil
}

func saslMechanism(auth AuthConfig) (sasl.Mechanism, error) {
	switch auth.Mechanism {
	case MechanismPlain:
		return plain.Auth{User: auth.Username, Pass: auth.Password}.AsMechanism(), nil
	case MechanismScramSHA256:
		return scram.Auth{User: auth.Username, Pass: auth.Password}.AsSha256Mechanism(), nil
	case MechanismScramSHA512:
		return scram.Auth{User: auth.Username, Pass: auth.Password}.AsSha512Mechanism(), nil
	}
	return nil, fmt.Errorf("unsupported SASL mechanism: %s", auth.Mechanism)
}

func tlsConfig(cfg TLSConfig) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.SkipVerify, //nolint:gosec // opt-in for test clusters
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file %s: %w", cfg.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		out.RootCAs = pool
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}
