package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bullshit-bench/server/engine"
	"bullshit-bench/server/judge"
	"bullshit-bench/server/rating"
)

//go:embed schema.sql
var schema embed.FS

var ErrNotFound = errors.New("not found")

type DB struct{ *pgxpool.Pool }

func Open(ctx context.Context, dsn string) (*DB, error) {
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &DB{p}, nil
}

func (db *DB) Close(ctx context.Context)      { db.Pool.Close() }
func (db *DB) Ping(ctx context.Context) error { return db.Pool.Ping(ctx) }

func Migrate(ctx context.Context, db *DB) error {
	sqlBytes, err := schema.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, string(sqlBytes))
	return err
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ratings is one model's persisted rating state.
type Ratings struct {
	Elo    rating.Elo
	Glicko rating.Glicko2
}

func defaultRatings() Ratings {
	return Ratings{Elo: *rating.NewElo(), Glicko: *rating.NewGlicko2()}
}

// upsertModel returns the id for name, creating the row if needed.
func upsertModel(ctx context.Context, q querier, name string) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `
        INSERT INTO models(name) VALUES ($1)
        ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
        RETURNING id
    `, name).Scan(&id)
	return id, err
}

// lockRatings ensures a model_ratings row exists and reads it FOR UPDATE.
func lockRatings(ctx context.Context, q querier, modelID int64) (Ratings, error) {
	if _, err := q.Exec(ctx, `INSERT INTO model_ratings(model_id) VALUES ($1) ON CONFLICT (model_id) DO NOTHING`, modelID); err != nil {
		return Ratings{}, err
	}
	var r Ratings
	err := q.QueryRow(ctx, `
		SELECT elo, g_rating, g_rd, g_sigma, games
		  FROM model_ratings WHERE model_id = $1
		   FOR UPDATE
	`, modelID).Scan(&r.Elo.Rating, &r.Glicko.Rating, &r.Glicko.RD, &r.Glicko.Volatility, &r.Elo.Games)
	r.Glicko.Games = r.Elo.Games
	return r, err
}

// lockOrder lists the distinct models of a game sorted by name. Rows are always
// locked in this order so concurrent games sharing models cannot deadlock.
func lockOrder(g *engine.GameState) []string {
	names := make([]string, 0, len(g.Players))
	seen := make(map[string]bool, len(g.Players))
	for _, p := range g.Players {
		if !seen[p.ModelID] {
			seen[p.ModelID] = true
			names = append(names, p.ModelID)
		}
	}
	sort.Strings(names)
	return names
}

// nextRatings applies one finished game to the ratings of the models seated in it.
func nextRatings(cur map[string]Ratings, standings []rating.Standing) map[string]Ratings {
	elo := make(map[string]*rating.Elo, len(standings))
	gl := make(map[string]*rating.Glicko2, len(standings))
	for _, s := range standings {
		r, ok := cur[s.Model]
		if !ok {
			r = defaultRatings()
		}
		elo[s.Model] = &r.Elo
		gl[s.Model] = &r.Glicko
	}
	rating.UpdateElo(elo, standings, rating.DefaultK)
	rating.UpdateGlicko(gl, standings, rating.DefaultTau)

	out := make(map[string]Ratings, len(elo))
	for m := range elo {
		out[m] = Ratings{Elo: *elo[m], Glicko: *gl[m]}
	}
	return out
}

// RecordGame stores a finished game with its players, turns and metrics, and
// applies it to the model ratings, all in one transaction. Recording the same
// game twice is a no-op. metrics may be nil, in which case they are computed.
func (db *DB) RecordGame(ctx context.Context, g *engine.GameState, metrics []judge.ModelMetrics) error {
	if !g.Finished() {
		return fmt.Errorf("game %s has not finished", g.GameID)
	}
	if metrics == nil {
		metrics = judge.Evaluate(g)
	}
	bySeat := make(map[string]judge.ModelMetrics, len(metrics))
	for _, m := range metrics {
		bySeat[m.PlayerID] = m
	}

	tx, err := db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // safe if already committed

	tag, err := tx.Exec(ctx, `
        INSERT INTO games(id, experiment, seed, winner, end_reason, turns, started_at, ended_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (id) DO NOTHING
    `, g.GameID, int(g.Experiment), g.Seed, g.Winner, string(g.EndReason), len(g.Turns), g.StartTime, g.EndTime)
	if err != nil {
		return fmt.Errorf("failed to insert game %s: %w", g.GameID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	ids := make(map[string]int64, len(g.Players))
	cur := make(map[string]Ratings, len(g.Players))
	for _, name := range lockOrder(g) {
		id, err := upsertModel(ctx, tx, name)
		if err != nil {
			return fmt.Errorf("failed to upsert model %s: %w", name, err)
		}
		r, err := lockRatings(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("failed to read ratings for %s: %w", name, err)
		}
		ids[name] = id
		cur[name] = r
	}
	next := nextRatings(cur, judge.Standings(g))

	b := &pgx.Batch{}
	for seat, p := range g.Players {
		m := bySeat[p.ID]
		b.Queue(`
            INSERT INTO game_players(
                game_id, player_id, seat, model_id, final_cards, is_winner,
                plays, lies, lies_caught, successful_bluffs, truthful_challenged,
                challenges_made, correct_challenges, cards_picked_up,
                fallback_plays, forced_plays,
                prompt_tokens, completion_tokens, response_ms,
                elo_before, elo_after
            ) VALUES (
                $1,$2,$3,$4,$5,$6,
                $7,$8,$9,$10,$11,
                $12,$13,$14,
                $15,$16,
                $17,$18,$19,
                $20,$21
            )
        `,
			g.GameID, p.ID, seat, ids[p.ModelID], len(p.Hand), p.ID == g.Winner,
			m.Plays, m.Lies, m.LiesCaught, m.SuccessfulBluffs, m.TruthfulChallenged,
			m.ChallengesMade, m.CorrectChallenges, m.CardsPickedUp,
			m.FallbackPlays, m.ForcedPlays,
			m.Usage.PromptTokens, m.Usage.CompletionTokens, m.ResponseMs,
			cur[p.ModelID].Elo.Rating, next[p.ModelID].Elo.Rating,
		)
	}
	for _, t := range g.Turns {
		var challenger any
		if t.ChallengerID != "" {
			challenger = t.ChallengerID
		}
		b.Queue(`
            INSERT INTO game_turns(
                game_id, turn_number, player_id, claimed_rank, claimed_count, actual_cards,
                was_lie, challenged, challenger_id, challenge_correct,
                reasoning, challenge_reasoning, pile_after, metadata
            ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
        `,
			g.GameID, t.TurnNumber, t.PlayerID, string(t.ClaimedRank), t.ClaimedCount, engine.CardStrings(t.ActualCards),
			t.WasLie, t.Challenged, challenger, t.ChallengeCorrect,
			t.Reasoning, t.ChallengeReasoning, t.PileAfterTurn, t.Meta,
		)
	}
	for _, m := range judge.Merge(metrics) {
		r := next[m.ModelID]
		b.Queue(`
		UPDATE model_ratings
		   SET elo = $2,
		       g_rating = $3,
		       g_rd = $4,
		       g_sigma = $5,
		       games = games + $6,
		       wins = wins + $7,
		       plays = plays + $8,
		       lies = lies + $9,
		       lies_caught = lies_caught + $10,
		       challenges_made = challenges_made + $11,
		       correct_challenges = correct_challenges + $12,
		       updated_at = now()
		 WHERE model_id = $1
	`, ids[m.ModelID], r.Elo.Rating, r.Glicko.Rating, r.Glicko.RD, r.Glicko.Volatility,
			m.Games, m.Wins, m.Plays, m.Lies, m.LiesCaught, m.ChallengesMade, m.CorrectChallenges)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("failed to record game %s: %w", g.GameID, err)
	}
	return tx.Commit(ctx)
}

// Sink adapts RecordGame to a tournament completion callback.
func (db *DB) Sink() func(context.Context, *engine.GameState) error {
	return func(ctx context.Context, g *engine.GameState) error {
		return db.RecordGame(ctx, g, nil)
	}
}

type LeaderboardRow struct {
	Model             string  `json:"model"`
	Elo               float64 `json:"elo"`
	GRating           float64 `json:"glicko_rating"`
	GRD               float64 `json:"glicko_rd"`
	Games             int     `json:"games"`
	Wins              int     `json:"wins"`
	Plays             int     `json:"plays"`
	Lies              int     `json:"lies"`
	LiesCaught        int     `json:"lies_caught"`
	ChallengesMade    int     `json:"challenges_made"`
	CorrectChallenges int     `json:"correct_challenges"`
	WinRate           float64 `json:"win_rate"`
	WinRateLow        float64 `json:"win_rate_low"`
	WinRateHigh       float64 `json:"win_rate_high"`
	LieRate           float64 `json:"lie_rate"`
	ChallengeAccuracy float64 `json:"challenge_accuracy"`
}

func ratio(a, b int) float64 {
	if b <= 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func (r *LeaderboardRow) derive() {
	r.WinRate = ratio(r.Wins, r.Games)
	r.WinRateLow, r.WinRateHigh = rating.WilsonCI95(r.Wins, 0, r.Games)
	r.LieRate = ratio(r.Lies, r.Plays)
	r.ChallengeAccuracy = ratio(r.CorrectChallenges, r.ChallengesMade)
}

// Leaderboard lists every rated model, best Elo first.
func (db *DB) Leaderboard(ctx context.Context) ([]LeaderboardRow, error) {
	rows, err := db.Query(ctx, `
		SELECT m.name, r.elo, r.g_rating, r.g_rd, r.games, r.wins,
		       r.plays, r.lies, r.lies_caught, r.challenges_made, r.correct_challenges
		  FROM model_ratings r
		  JOIN models m ON m.id = r.model_id
		 ORDER BY r.elo DESC, m.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []LeaderboardRow{}
	for rows.Next() {
		var r LeaderboardRow
		if err := rows.Scan(&r.Model, &r.Elo, &r.GRating, &r.GRD, &r.Games, &r.Wins,
			&r.Plays, &r.Lies, &r.LiesCaught, &r.ChallengesMade, &r.CorrectChallenges); err != nil {
			return nil, err
		}
		r.derive()
		out = append(out, r)
	}
	return out, rows.Err()
}

type PlayerSummary struct {
	PlayerID          string  `json:"player_id"`
	Model             string  `json:"model"`
	Seat              int     `json:"seat"`
	FinalCards        int     `json:"final_cards"`
	Winner            bool    `json:"winner"`
	Plays             int     `json:"plays"`
	Lies              int     `json:"lies"`
	LiesCaught        int     `json:"lies_caught"`
	ChallengesMade    int     `json:"challenges_made"`
	CorrectChallenges int     `json:"correct_challenges"`
	EloBefore         float64 `json:"elo_before"`
	EloAfter          float64 `json:"elo_after"`
}

type GameSummary struct {
	ID         string          `json:"id"`
	Experiment int             `json:"experiment"`
	Seed       int64           `json:"seed"`
	Winner     string          `json:"winner"`
	EndReason  string          `json:"end_reason"`
	Turns      int             `json:"turns"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    time.Time       `json:"ended_at"`
	Players    []PlayerSummary `json:"players"`
}

// GameSummary returns ErrNotFound for an unknown id.
func (db *DB) GameSummary(ctx context.Context, id string) (*GameSummary, error) {
	var s GameSummary
	err := db.QueryRow(ctx, `
		SELECT id, experiment, seed, COALESCE(winner, ''), COALESCE(end_reason, ''), turns, started_at, ended_at
		  FROM games WHERE id = $1
	`, id).Scan(&s.ID, &s.Experiment, &s.Seed, &s.Winner, &s.EndReason, &s.Turns, &s.StartedAt, &s.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, `
		SELECT p.player_id, m.name, p.seat, p.final_cards, p.is_winner,
		       p.plays, p.lies, p.lies_caught, p.challenges_made, p.correct_challenges,
		       p.elo_before, p.elo_after
		  FROM game_players p
		  JOIN models m ON m.id = p.model_id
		 WHERE p.game_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p PlayerSummary
		if err := rows.Scan(&p.PlayerID, &p.Model, &p.Seat, &p.FinalCards, &p.Winner,
			&p.Plays, &p.Lies, &p.LiesCaught, &p.ChallengesMade, &p.CorrectChallenges,
			&p.EloBefore, &p.EloAfter); err != nil {
			return nil, err
		}
		s.Players = append(s.Players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(s.Players, func(i, j int) bool { return s.Players[i].Seat < s.Players[j].Seat })
	return &s, nil
}
