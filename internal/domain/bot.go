package domain

// Bot is a user-owned assistant preset. LastUsedTime is zero until the bot is
// first referenced by a stored conversation.
type Bot struct {
	ID           string
	Title        string
	Description  string
	Instruction  string
	CreateTime   float64
	LastUsedTime float64
}

// BotSummary is the listing shape for bots.
type BotSummary struct {
	ID           string
	Title        string
	CreateTime   float64
	LastUsedTime float64
}
