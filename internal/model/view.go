package model

import "time"

// Display-ready projections broadcast on the fixed channels. Each one joins
// an entity with its owner's public profile.

type UserPublic struct {
	Wallet   string `json:"wallet"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

type TokenView struct {
	Address      string     `json:"address"`
	Name         string     `json:"name"`
	Symbol       string     `json:"symbol"`
	Image        string     `json:"image,omitempty"`
	Supply       string     `json:"supply"`
	Description  string     `json:"description,omitempty"`
	MarketCap    string     `json:"marketcap"`
	RepliesCount int64      `json:"replies_count"`
	CreatedAt    time.Time  `json:"created_at"`
	User         UserPublic `json:"user"`
}

// TokenSummary is the token excerpt embedded in a TradeView.
type TokenSummary struct {
	Address      string `json:"address"`
	MarketCap    string `json:"marketcap"`
	Symbol       string `json:"symbol"`
	Image        string `json:"image,omitempty"`
	Description  string `json:"description,omitempty"`
	RepliesCount int64  `json:"replies_count"`
}

type TradeView struct {
	Type      Side         `json:"type"`
	OutAmount string       `json:"outAmount"`
	InAmount  string       `json:"inAmount"`
	Index     string       `json:"index"`
	Hash      string       `json:"hash"`
	CreatedAt time.Time    `json:"created_at"`
	User      UserPublic   `json:"user"`
	Token     TokenSummary `json:"token"`
}

type CommentView struct {
	ID           int64      `json:"id"`
	Content      string     `json:"content"`
	Likes        int64      `json:"likes"`
	TokenAddress string     `json:"token_address"`
	CreatedAt    time.Time  `json:"created_at"`
	User         UserPublic `json:"user"`
}
