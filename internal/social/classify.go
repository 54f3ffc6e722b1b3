package social

import "github.com/playchat/internal/model"

// Facts are the four independent relationship bits between the viewer and
// another user.
type Facts struct {
	Friend    bool // friends/me/other
	Incoming  bool // other asked me
	Sent      bool // I asked other
	Following bool // following/me/other
}

// Classify maps the facts to one named state. An incoming request wins over
// friendship (it must be answered), friendship over an outgoing request.
func Classify(f Facts) model.Relation {
	r := model.Relation{State: model.RelationStranger, Following: f.Following}
	switch {
	case f.Incoming:
		r.State = model.RelationRequestReceived
	case f.Friend:
		r.State = model.RelationFriends
	case f.Sent:
		r.State = model.RelationRequestSent
	}
	return r
}

// Graph is the viewer's side of the graph as id sets.
type Graph struct {
	Friends   map[string]bool
	Incoming  map[string]bool
	Outgoing  map[string]bool
	Following map[string]bool
}

func (g Graph) Facts(other string) Facts {
	return Facts{
		Friend:    g.Friends[other],
		Incoming:  g.Incoming[other],
		Sent:      g.Outgoing[other],
		Following: g.Following[other],
	}
}

func (g Graph) Relation(other string) model.Relation {
	return Classify(g.Facts(other))
}
