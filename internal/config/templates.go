package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", TransportStream:
		return streamTemplate, nil
	case TransportNATS:
		return natsTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const streamTemplate = `jid = "stanzad.localhost"

[transport]
kind = "stream"
addr = "127.0.0.1:5222"
listen = false
namespace = "jabber:client"
max_connect_attempts = 5
security_mode = "development"

[transport.tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""

[dispatcher]
request_timeout = "30s"

[admin]
addr = "127.0.0.1:7070"
cors_origins = ["http://localhost:3000"]

[software]
name = "stanzad"
version = "0.1.0"

[log]
level = "info"
`

const natsTemplate = `jid = "stanzad.localhost"

[transport]
kind = "nats"

[nats]
url = "nats://127.0.0.1:4222"
prefix = "stanza"
fallback = "localhost"

[dispatcher]
request_timeout = "30s"

[admin]
addr = "127.0.0.1:7070"

[software]
name = "stanzad"
version = "0.1.0"

[log]
level = "info"
`
