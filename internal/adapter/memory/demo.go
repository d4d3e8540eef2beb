package memory

import (
	"context"
	"fmt"

	"github.com/pscheid92/reviewpulse/internal/domain"
)

// SeedDemo fills r with a few users, companies and approved reviews for local development.
// It returns the seeded users so callers can log their ids.
func SeedDemo(ctx context.Context, r *ReviewRepo) ([]domain.User, error) {
	users := []domain.User{
		r.AddUser(domain.User{Username: "satoshi", Verified: true, Reputation: 120}),
		r.AddUser(domain.User{Username: "vitalik", Reputation: 45}),
	}
	exchange := r.AddCompany(domain.Company{Name: "Kraken", Category: "exchange"})
	wallet := r.AddCompany(domain.Company{Name: "Ledger", Category: "wallet"})

	seed := []domain.NewReview{
		{AuthorID: users[0].ID, CompanyID: exchange.ID, Title: "Low fees", Content: "Withdrawals cleared within minutes.", OverallScore: 5},
		{AuthorID: users[1].ID, CompanyID: wallet.ID, Title: "Solid hardware", Content: "Setup took ten minutes, firmware updates are painless.", OverallScore: 4},
	}
	for _, input := range seed {
		if _, err := r.Create(ctx, input); err != nil {
			return nil, fmt.Errorf("failed to seed review %q: %w", input.Title, err)
		}
	}
	return users, nil
}
