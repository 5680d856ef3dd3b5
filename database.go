package main

import "context"

// DB is a durable player/game store. recordGame must read both ratings, apply
// update and append the game in one transaction, serialized against any other
// recordGame touching the same player.
type DB interface {
	Close() error
	createTables(ctx context.Context) error
	insertPlayer(ctx context.Context, p player) (*player, error)
	getPlayer(ctx context.Context, externalID string) (*player, error)
	getLeaderboard(ctx context.Context, limit int) ([]player, error)
	recordGame(ctx context.Context, externalID1, externalID2 string, o outcome) (*player, *player, error)
	getPlayers(ctx context.Context) ([]player, error)
	getGames(ctx context.Context) ([]game, error)
	importData(ctx context.Context, p []player, g []game) error
}
