package model

import "time"

// User is a wallet known to the platform. Profile fields are optional.
type User struct {
	Wallet    string    `json:"wallet"`
	Username  string    `json:"username,omitempty"`
	Avatar    string    `json:"avatar,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Public returns the fields safe to embed in broadcast projections.
func (u User) Public() UserPublic {
	return UserPublic{Wallet: u.Wallet, Username: u.Username, Avatar: u.Avatar}
}

// Token is a launched token. Large integers are kept as base-10 strings.
type Token struct {
	Address      string    `json:"address"`
	Name         string    `json:"name"`
	Symbol       string    `json:"symbol"`
	Image        string    `json:"image,omitempty"`
	Description  string    `json:"description,omitempty"`
	Supply       string    `json:"supply"`
	MarketCap    string    `json:"marketcap"`
	InitialPrice string    `json:"initial_price,omitempty"`
	UserWallet   string    `json:"user_wallet"`
	RepliesCount int64     `json:"replies_count"`
	Listed       bool      `json:"listed"`
	PairAddress  string    `json:"pair_address,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TradeRecord is the persisted form of a Trade.
type TradeRecord struct {
	ID           int64     `json:"id"`
	Type         Side      `json:"type"`
	InAmount     string    `json:"inAmount"`
	OutAmount    string    `json:"outAmount"`
	Index        string    `json:"index"`
	Hash         string    `json:"hash"`
	UserWallet   string    `json:"user_wallet"`
	TokenAddress string    `json:"token_address"`
	CreatedAt    time.Time `json:"created_at"`
}

// Emperor records a token reaching the leaderboard ("royal" event).
type Emperor struct {
	ID           int64     `json:"id"`
	TokenAddress string    `json:"token_address"`
	TotalVolume  string    `json:"total_volume"`
	CreatedAt    time.Time `json:"created_at"`
}

// Migration records a token graduating to a DEX pair.
type Migration struct {
	ID           int64     `json:"id"`
	TokenAddress string    `json:"token_address"`
	PairAddress  string    `json:"pair_address"`
	TxHash       string    `json:"hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Comment is a reply left on a token page.
type Comment struct {
	ID           int64     `json:"id"`
	Content      string    `json:"content"`
	Likes        int64     `json:"likes"`
	UserWallet   string    `json:"user_wallet"`
	TokenAddress string    `json:"token_address"`
	CreatedAt    time.Time `json:"created_at"`
}
