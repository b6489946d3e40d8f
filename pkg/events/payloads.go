package events

import "github.com/minjcho/hedgemark/pkg/hbar"

// FundingError is published on TopicFundingError when one pair's funding
// interval fails. The sweep moves on to the next pair.
type FundingError struct {
	MarketID string `json:"marketId"`
	Outcome  string `json:"outcome"`
	Reason   string `json:"reason"`
}

// SocializedLoss is published on TopicSocializedLoss when the ADL tier
// exhausts every profitable counterparty and a deficit remains unabsorbed.
type SocializedLoss struct {
	MarketID  string       `json:"marketId"`
	Outcome   string       `json:"outcome"`
	Position  string       `json:"positionId"`
	Shortfall hbar.Tinybar `json:"shortfallHbar"`
}

// LedgerError is published on TopicLedgerError when an external ledger
// effect exhausts its retries and is dead-lettered.
type LedgerError struct {
	EffectID string `json:"effectId"`
	Kind     string `json:"kind"`
	Reason   string `json:"reason"`
}
