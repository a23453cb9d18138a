package config

import (
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/pkg/errors"
)

// Config carries the agent's environment-provided settings. Every field has
// a usable default so an empty environment yields a runnable agent.
type Config struct {
	// StorageDir roots the persisted update records and resume descriptor.
	StorageDir string `env:"AVC_STORAGE_DIR,default=/var/lib/avc-agent"`
	// CredentialDir roots the package-verification public keys.
	CredentialDir string `env:"AVC_CREDENTIAL_DIR,default=/etc/avc-agent/keys"`
	// Endpoint is the device endpoint name registered with the server. When
	// empty a random endpoint name is generated at bearer-up.
	Endpoint string `env:"AVC_ENDPOINT"`
	// ServerURI is the management server's datagram endpoint.
	ServerURI string `env:"AVC_SERVER_URI,default=127.0.0.1:5684"`
	// RetryInterval gates reconnection after a failed management session.
	RetryInterval time.Duration `env:"AVC_RETRY_INTERVAL,default=10m"`
	// InstallDelay defers the firmware install past the server
	// acknowledgement.
	InstallDelay time.Duration `env:"AVC_INSTALL_DELAY,default=2s"`
	// DownloadChunk is the package download read size.
	DownloadChunk int `env:"AVC_DOWNLOAD_CHUNK,default=4096"`
}

// Load decodes the configuration from the environment.
func Load() (*Config, error) {
	var c Config
	if err := envdecode.Decode(&c); err != nil {
		return nil, errors.Wrap(err, "decoding environment")
	}
	return &c, nil
}
