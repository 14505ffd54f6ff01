/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package config loads the service configuration: defaults, overridden by a
single JSON file "<application name>.json" in the working directory,
overridden by environment variables "<APPLICATION NAME>_<SECTION>_<KEY>".
*/
package config

import (
	"encoding/asn1"
	"errors"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/veritime/tsad/pkialg"
)

// Config is the application configuration root.
type Config struct {
	API    APIConfig    `mapstructure:"api"`
	Time   TimeConfig   `mapstructure:"time"`
	Sign   SignConfig   `mapstructure:"sign"`
	Limits LimitsConfig `mapstructure:"limits"`
}

// APIConfig configures the exposed HTTP API.
type APIConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	BindPort    int    `mapstructure:"bind_port"`
}

// TimeConfig configures the time source. All durations are microseconds.
type TimeConfig struct {
	// NTPHost is "hostname" or "hostname:port"; empty disables NTP.
	NTPHost string `mapstructure:"ntphost"`
	// Timeout bounds one NTP exchange.
	Timeout uint64 `mapstructure:"timeout"`
	// Accuracy is the declared worst case accuracy of the local clock.
	Accuracy uint64 `mapstructure:"accuracy"`
	// Interval is the period of the background NTP sync.
	Interval uint64 `mapstructure:"interval"`
	// Tolerance is the worst accuracy this service will serve time with.
	Tolerance uint64 `mapstructure:"tolerance"`
	// Always queries the NTP server for every request.
	Always bool `mapstructure:"always"`
}

// SignConfig configures the signer.
type SignConfig struct {
	// Policy is the TSA policy OID, also the default response policy.
	Policy string `mapstructure:"policy"`
	// Policies lists additional allowed policy OIDs, comma separated.
	Policies string `mapstructure:"policies"`
	// Digests restricts message imprint digests, comma separated OIDs.
	// Empty allows any supported algorithm.
	Digests string `mapstructure:"digests"`
	// Signature is the signature algorithm OID.
	Signature string `mapstructure:"signature"`
	// Digest is the token content digest OID.
	Digest string `mapstructure:"digest"`
	// Provider selects the certificate enrollment backend.
	Provider string `mapstructure:"provider"`
	// Template is the certificate profile requested at enrollment.
	Template string `mapstructure:"template"`
	// Credentials authenticate against an external provider.
	Credentials string `mapstructure:"credentials"`
	// Identity is the requested subject, "cn=...,c=...,rfc822=...".
	Identity string `mapstructure:"identity"`
	// Trust names the trust anchor handling.
	Trust string `mapstructure:"trust"`
	// Validity is the requested leaf lifetime in seconds.
	Validity uint64 `mapstructure:"validity"`
	// MonitorPeriod is the revocation polling cadence in milliseconds.
	MonitorPeriod uint64 `mapstructure:"monitor_period"`
}

// LimitsConfig configures resource limits.
type LimitsConfig struct {
	AvailableParallelism int `mapstructure:"available_parallelism"`
}

// SignatureOID parses the configured signature algorithm OID.
func (c *SignConfig) SignatureOID() (asn1.ObjectIdentifier, error) {
	return pkialg.ParseOID(c.Signature)
}

// DigestOID parses the configured content digest OID.
func (c *SignConfig) DigestOID() (asn1.ObjectIdentifier, error) {
	return pkialg.ParseOID(c.Digest)
}

// AllowedPolicyOIDs is the policy allow list: the configured policy first,
// then any additional entries. The first entry doubles as the default
// response policy.
func (c *SignConfig) AllowedPolicyOIDs() ([]asn1.ObjectIdentifier, error) {
	policy, err := pkialg.ParseOID(c.Policy)
	if err != nil {
		log.Warningf("unable to parse configured policy %q as OID, using anyPolicy: %v", c.Policy, err)
		policy = asn1.ObjectIdentifier{2, 5, 29, 32, 0}
	}
	extra, err := pkialg.ParseOIDList(c.Policies)
	if err != nil {
		return nil, err
	}
	return append([]asn1.ObjectIdentifier{policy}, extra...), nil
}

// AllowedDigestOIDs is the imprint digest allow list; empty allows any
// supported algorithm.
func (c *SignConfig) AllowedDigestOIDs() ([]asn1.ObjectIdentifier, error) {
	return pkialg.ParseOIDList(c.Digests)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.bind_address", "0.0.0.0")
	v.SetDefault("api.bind_port", 8080)

	v.SetDefault("time.ntphost", "")
	v.SetDefault("time.timeout", 250000)
	v.SetDefault("time.accuracy", 30000000)
	v.SetDefault("time.interval", 15000000)
	v.SetDefault("time.tolerance", 500000)
	v.SetDefault("time.always", false)

	v.SetDefault("sign.policy", "2.5.29.32.0")
	v.SetDefault("sign.policies", "")
	v.SetDefault("sign.digests", "")
	// ML-DSA-65: 2.16.840.1.101.3.4.3.18
	// ecdsa-with-SHA384: 1.2.840.10045.4.3.3
	v.SetDefault("sign.signature", "1.3.101.112")
	// SHA3-512
	v.SetDefault("sign.digest", "2.16.840.1.101.3.4.2.10")
	v.SetDefault("sign.provider", "self_signed")
	v.SetDefault("sign.template", "timestamping")
	v.SetDefault("sign.credentials", "")
	v.SetDefault("sign.identity", "cn=Dummy self-signed TSA,c=SE,rfc822=no-reply@example.com")
	v.SetDefault("sign.trust", "external")
	v.SetDefault("sign.validity", 86400)
	v.SetDefault("sign.monitor_period", 3000)

	v.SetDefault("limits.available_parallelism", runtime.NumCPU())
}

// Load reads the configuration for the given application name.
func Load(appName string) (*Config, error) {
	return load(appName, ".")
}

func load(appName, dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName(appName)
	v.SetConfigType("json")
	v.AddConfigPath(dir)
	v.SetEnvPrefix(strings.ToUpper(appName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Debugf("no %s.json in the working directory, using defaults", appName)
	} else {
		log.Infof("loaded configuration from %s", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
