package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	subscriptionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskgate_bus_subscriptions_active",
		Help: "Currently active subscriptions, labelled by topic.",
	}, []string{"topic"})

	subscriptionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_bus_subscriptions_closed_total",
		Help: "Closed subscriptions, labelled by reason.",
	}, []string{"reason"})

	subscriptionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskgate_bus_subscriptions_rejected_total",
		Help: "Subscribe calls rejected because the subscription limit was reached.",
	})

	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_bus_events_published_total",
		Help: "Events published, labelled by topic.",
	}, []string{"topic"})

	eventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_bus_events_delivered_total",
		Help: "Event deliveries into subscription buffers, labelled by topic.",
	}, []string{"topic"})

	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_bus_events_dropped_total",
		Help: "Events not delivered because a buffer was full, labelled by topic and policy.",
	}, []string{"topic", "policy"})
)
