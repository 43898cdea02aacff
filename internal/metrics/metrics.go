package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus metrics for the family graph. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	Relationships      *prometheus.CounterVec
	PeopleCreated      prometheus.Counter
	PeopleUpdated      prometheus.Counter
	Violations         *prometheus.CounterVec
	InvitationsSent    prometheus.Counter
	AccountLinks       *prometheus.CounterVec
	AvatarUploads      *prometheus.CounterVec
	WorkflowTransition *prometheus.CounterVec
}

// NewCollector creates a collector registered on its own registry.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Relationships: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relationships_total",
			Help:      "Relationship mutations by kind and result.",
		}, []string{"kind", "result"}),
		PeopleCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "people_created_total",
			Help:      "Person nodes created through the graph engine.",
		}),
		PeopleUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "people_updated_total",
			Help:      "Person attribute edits committed.",
		}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Invariant violations found by load-time audits.",
		}, []string{"rule"}),
		InvitationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitations_sent_total",
			Help:      "Tree invitations created.",
		}),
		AccountLinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_links_total",
			Help:      "Invitation acceptances by result.",
		}, []string{"result"}),
		AvatarUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "avatar_uploads_total",
			Help:      "Avatar uploads by result.",
		}, []string{"result"}),
		WorkflowTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transitions_total",
			Help:      "Add-relative workflow state transitions.",
		}, []string{"to"}),
	}
	c.registry.MustRegister(
		c.Relationships,
		c.PeopleCreated,
		c.PeopleUpdated,
		c.Violations,
		c.InvitationsSent,
		c.AccountLinks,
		c.AvatarUploads,
		c.WorkflowTransition,
	)
	return c
}

// Registry returns the registry the collector's metrics live on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RelationshipApplied(kind string, created bool) {
	if c == nil {
		return
	}
	c.Relationships.WithLabelValues(kind, "applied").Inc()
	if created {
		c.PeopleCreated.Inc()
	}
}

func (c *Collector) RelationshipRejected(kind string) {
	if c == nil {
		return
	}
	c.Relationships.WithLabelValues(kind, "rejected").Inc()
}

func (c *Collector) PersonUpdated() {
	if c == nil {
		return
	}
	c.PeopleUpdated.Inc()
}

func (c *Collector) Violation(rule string) {
	if c == nil {
		return
	}
	c.Violations.WithLabelValues(rule).Inc()
}

func (c *Collector) InvitationSent() {
	if c == nil {
		return
	}
	c.InvitationsSent.Inc()
}

func (c *Collector) AccountLink(result string) {
	if c == nil {
		return
	}
	c.AccountLinks.WithLabelValues(result).Inc()
}

func (c *Collector) AvatarUpload(result string) {
	if c == nil {
		return
	}
	c.AvatarUploads.WithLabelValues(result).Inc()
}

func (c *Collector) Transition(to string) {
	if c == nil {
		return
	}
	c.WorkflowTransition.WithLabelValues(to).Inc()
}
