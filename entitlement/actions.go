package entitlement

import "github.com/GoCodeAlone/entitlements/billing"

// Action is one side effect of a subscription transition.
type Action int

const (
	SuspendEmailAccounts Action = iota + 1
	ReactivateEmailAccounts
	HidePaidFeatures
	ShowPaidFeatures
)

var actionNames = map[Action]string{
	SuspendEmailAccounts:    "suspend_email_accounts",
	ReactivateEmailAccounts: "reactivate_email_accounts",
	HidePaidFeatures:        "hide_paid_features",
	ShowPaidFeatures:        "show_paid_features",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return "unknown"
}

// standing groups subscription statuses by what they grant.
type standing int

const (
	standingNone standing = iota
	standingTrial
	standingEntitled
	standingLapsed
)

func standingOf(s billing.SubscriptionStatus) standing {
	switch {
	case s == "":
		return standingNone
	case s == billing.StatusTrialing:
		return standingTrial
	case s.Lapsed():
		return standingLapsed
	default:
		return standingEntitled
	}
}

var (
	revoke  = []Action{SuspendEmailAccounts, HidePaidFeatures}
	restore = []Action{ReactivateEmailAccounts, ShowPaidFeatures}
	grant   = []Action{ShowPaidFeatures}
)

// transitions is the closed cascade table. Pairs that are absent have no
// side effects.
var transitions = map[[2]standing][]Action{
	{standingNone, standingLapsed}:     revoke,
	{standingTrial, standingLapsed}:    revoke,
	{standingEntitled, standingLapsed}: revoke,
	{standingLapsed, standingLapsed}:   revoke,
	{standingLapsed, standingEntitled}: restore,
	{standingNone, standingEntitled}:   grant,
	{standingTrial, standingEntitled}:  grant,
}

// Plan returns the ordered actions for a transition from one status to
// another. An empty from means the tenant had no subscription.
func Plan(from, to billing.SubscriptionStatus) []Action {
	if from == to {
		return nil
	}
	return transitions[[2]standing{standingOf(from), standingOf(to)}]
}

// settle returns the actions that bring every resource in line with status
// to, whatever state an interrupted cascade left them in. Trialing and
// missing subscriptions have nothing to enforce.
func settle(to billing.SubscriptionStatus) []Action {
	switch standingOf(to) {
	case standingLapsed:
		return revoke
	case standingEntitled:
		return restore
	}
	return nil
}

// merge returns the actions of a and b in table order without duplicates.
func merge(a, b []Action) []Action {
	seen := make(map[Action]bool, len(a)+len(b))
	for _, x := range a {
		seen[x] = true
	}
	for _, x := range b {
		seen[x] = true
	}
	var out []Action
	for _, x := range []Action{SuspendEmailAccounts, ReactivateEmailAccounts, HidePaidFeatures, ShowPaidFeatures} {
		if seen[x] {
			out = append(out, x)
		}
	}
	return out
}
