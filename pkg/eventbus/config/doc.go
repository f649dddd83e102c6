/*
Package config loads bus configuration.

# Bus Configuration

Load layers a config file and environment variables over Default:

	cfg, err := config.Load("eventbus.yaml", "EVENTBUS")
	if err != nil {
	    log.Fatal(err)
	}

Keys are snake_case and grouped by section:

	publisher:
	  max_events_per_second: 500
	  rate_limit_mode: block
	dispatcher:
	  handler_timeout: 10s
	  tenants: [acme, globex]
	ledger:
	  backend: redis
	store:
	  backend: sqlite
	  path: /var/lib/eventbus/events.db
	transport:
	  kind: nats
	  nats:
	    url: nats://nats:4222

Any key can be overridden from the environment by joining the prefix and
the key path with underscores, e.g. EVENTBUS_DISPATCHER_MAX_RETRIES=5 or
EVENTBUS_TRANSPORT_KAFKA_BROKERS=k1:9092,k2:9092.

# Handler Settings

Handlers read their own keys through Values, which never fails and falls
back to the given default:

	settings := cfg.HandlerSettings("notifications")
	threshold := settings.Int("high_value_minor", 100_00)
	quiet := settings.Duration("quiet_period", time.Minute)

Handler sections may also live in their own YAML or JSON file named by
handlers_file; Load merges it under handlers, and keys set inline win.
Values can also be loaded on their own with ValuesFromFile, ValuesFromYAML
and ValuesFromJSON.
*/
package config
