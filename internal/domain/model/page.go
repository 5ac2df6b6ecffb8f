package model

// ActorPage is one page reachable from an actor-level credential, as reported
// by the social-graph API during onboarding.
type ActorPage struct {
	ID   string
	Name string
}
