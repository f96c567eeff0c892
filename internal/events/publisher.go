package events

// Publisher accepts events for a topic. EventBus implements it.
type Publisher interface {
	Publish(topic string, event Event)
}

// PublisherFunc adapts a plain function to Publisher.
type PublisherFunc func(topic string, event Event)

func (f PublisherFunc) Publish(topic string, event Event) { f(topic, event) }

// Multi fans each event out to every non-nil publisher in order.
func Multi(pubs ...Publisher) Publisher {
	out := make([]Publisher, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	return multi(out)
}

type multi []Publisher

func (m multi) Publish(topic string, event Event) {
	for _, p := range m {
		p.Publish(topic, event)
	}
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(string, Event) {})
