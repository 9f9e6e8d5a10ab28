// Package config handles loading and validating bunnygw's configuration
// from CLI flags and environment variables.
package config

import (
	"fmt"
	"net"
)

// Config is the validated, process-wide configuration for bunnygw.
type Config struct {
	// StorageZone is the Bunny storage zone name, exposed as the gateway's
	// single S3 bucket.
	StorageZone string
	// AccessKey is the Bunny storage zone access key.
	AccessKey string
	// Region selects the Bunny regional storage hostname.
	Region string
	// ListenAddr is the TCP host:port to listen on. Mutually exclusive
	// with SocketPath.
	ListenAddr string
	// SocketPath is a Unix domain socket path to listen on. Mutually
	// exclusive with ListenAddr.
	SocketPath string
	// S3AccessKeyID is the access key ID clients must present via SigV4.
	S3AccessKeyID string
	// S3SecretAccessKey is the secret key clients must sign with.
	S3SecretAccessKey string
	// Verbose enables debug-level logging.
	Verbose bool
}

// regionHosts maps a Bunny region code to its storage API hostname.
var regionHosts = map[string]string{
	"de":  "storage.bunnycdn.com",
	"uk":  "uk.storage.bunnycdn.com",
	"ny":  "ny.storage.bunnycdn.com",
	"la":  "la.storage.bunnycdn.com",
	"sg":  "sg.storage.bunnycdn.com",
	"se":  "se.storage.bunnycdn.com",
	"br":  "br.storage.bunnycdn.com",
	"jh":  "jh.storage.bunnycdn.com",
	"syd": "syd.storage.bunnycdn.com",
}

// defaultRegion is used when the caller doesn't specify one.
const defaultRegion = "de"

// defaultListenAddr is used when neither -l nor -s is given.
const defaultListenAddr = "127.0.0.1:9000"

// Hostname returns the Bunny storage API hostname for the configured region.
func (c *Config) Hostname() string {
	return regionHosts[c.Region]
}

// Validate checks that the configuration is self-consistent and complete,
// applying defaults for optional fields. It is called once at startup;
// a non-nil error should abort the process with a non-zero exit code.
func Validate(c *Config) error {
	if c.StorageZone == "" {
		return fmt.Errorf("storage zone is required (-z/--storage-zone or BUNNY_STORAGE_ZONE)")
	}
	if c.AccessKey == "" {
		return fmt.Errorf("access key is required (-k/--access-key or BUNNY_ACCESS_KEY)")
	}

	if c.Region == "" {
		c.Region = defaultRegion
	}
	if _, ok := regionHosts[c.Region]; !ok {
		return fmt.Errorf("invalid region %q: must be one of de|uk|ny|la|sg|se|br|jh|syd", c.Region)
	}

	if c.ListenAddr != "" && c.SocketPath != "" {
		return fmt.Errorf("listen-addr and socket-path are mutually exclusive")
	}
	if c.ListenAddr == "" && c.SocketPath == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
			return fmt.Errorf("invalid listen-addr %q: %w", c.ListenAddr, err)
		}
	}

	if c.S3AccessKeyID == "" {
		c.S3AccessKeyID = "bunny"
	}
	if c.S3SecretAccessKey == "" {
		c.S3SecretAccessKey = "bunny"
	}

	return nil
}
