package models

import (
	"fmt"
	"strings"
)

// Tier is the externally computed relationship between a room owner and a viewer.
type Tier string

const (
	TierPeoples        Tier = "PEOPLES"
	TierCool           Tier = "COOL"
	TierChill          Tier = "CHILL"
	TierAlright        Tier = "ALRIGHT"
	TierOthers         Tier = "OTHERS"
	TierOthersSafeMode Tier = "OTHERS_SAFE_MODE"
	TierBlocked        Tier = "BLOCKED"
)

// closest first
var tierRank = map[Tier]int{
	TierPeoples:        0,
	TierCool:           1,
	TierChill:          2,
	TierAlright:        3,
	TierOthers:         4,
	TierOthersSafeMode: 5,
	TierBlocked:        6,
}

func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := tierRank[t]; !ok {
		return "", fmt.Errorf("unknown trust tier %q", s)
	}
	return t, nil
}

// AtLeast reports whether t is as close as or closer than min.
// BLOCKED never meets any minimum.
func (t Tier) AtLeast(min Tier) bool {
	r, ok := tierRank[t]
	if !ok || t == TierBlocked {
		return false
	}
	m, ok := tierRank[min]
	if !ok {
		return false
	}
	return r <= m
}
