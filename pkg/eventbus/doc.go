/*
Package eventbus is a cross-service domain event bus.

Producers publish immutable, versioned domain events through a broker;
consumers register handlers that react to them. The bus guarantees that an
event id is published at most once, that events of one aggregate reach each
handler in sequence order, that tampered events are never delivered, and
that a failing or slow handler cannot hold up the others.

# Packages

  - event: the DomainEvent model, envelopes, wire codec, topics and the
    typed event catalogue.
  - publisher: admission (integrity, dedup, ordering, rate limit, size),
    broker retries, dead letters, batches and the async queue.
  - dispatcher: handler registration, per-handler lanes and workers,
    retries, health, acknowledgement and replay.
  - ledger: seen ids, sequence watermarks and delivery records, in memory
    or in Redis.
  - store: durable records for replay and dead letters in memory, SQLite
    or Redis.
  - transport: the broker contract with memory, Redis, NATS, RabbitMQ and
    Kafka adapters.
  - config, observability, errors: configuration, logging and metrics,
    and the error taxonomy.

# Basic Usage

	cfg, err := config.Load("eventbus.yaml", "EVENTBUS")
	if err != nil {
	    log.Fatal(err)
	}
	bus, err := eventbus.New(ctx, *cfg, nil)
	if err != nil {
	    log.Fatal(err)
	}

	bus.Register(dispatcher.NewHandler("order-projection",
	    []string{event.TypeOrderCreated, event.TypeOrderStatus},
	    func(ctx context.Context, evt *event.DomainEvent) error {
	        return projection.Apply(ctx, evt)
	    }))

	if err := bus.Start(ctx); err != nil {
	    log.Fatal(err)
	}
	defer bus.Stop(context.Background())

	factory := event.NewFactory()
	evt, _ := factory.OrderCreated("acme", event.OrderCreated{OrderID: "o-1", Currency: "EUR"})
	ack, err := bus.Publisher().Publish(ctx, evt)

# Maintenance

The bus runs cron jobs for the ledger sweep, store purge and dead-letter
redrive; schedules are set in the maintenance section. RunMaintenance runs
all of them once.
*/
package eventbus
