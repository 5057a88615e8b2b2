package core

// PropertyChangedListener receives field changes emitted by documents.
type PropertyChangedListener interface {
	PropertyChanged(doc any, field string, old, new any)
}

// NotifyPropertyChanged is implemented by documents using the notify
// change-tracking policy. A document must emit an event from every setter
// of a tracked field; changes made without an event are not detected.
type NotifyPropertyChanged interface {
	AddPropertyChangedListener(l PropertyChangedListener)
}

// Notifier is an embeddable implementation of NotifyPropertyChanged.
//
//	type Post struct {
//		core.Notifier
//		Title string
//	}
//
//	func (p *Post) SetTitle(v string) {
//		p.NotifyPropertyChanged(p, "Title", p.Title, v)
//		p.Title = v
//	}
type Notifier struct {
	listeners []PropertyChangedListener
}

// AddPropertyChangedListener registers l once.
func (n *Notifier) AddPropertyChangedListener(l PropertyChangedListener) {
	for _, existing := range n.listeners {
		if existing == l {
			return
		}
	}
	n.listeners = append(n.listeners, l)
}

// NotifyPropertyChanged forwards a change to all listeners.
func (n *Notifier) NotifyPropertyChanged(doc any, field string, old, new any) {
	for _, l := range n.listeners {
		l.PropertyChanged(doc, field, old, new)
	}
}
