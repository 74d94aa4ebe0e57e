package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"

	"marketplace/backend/models"
)

// CardTokenizer turns raw card data into an opaque single-use token.
type CardTokenizer interface {
	Tokenize(ctx context.Context, card models.CardDetails) (string, error)
}

// tokenCreator is the slice of the Stripe tokens API we use.
type tokenCreator interface {
	New(params *stripe.TokenParams) (*stripe.Token, error)
}

// StripeCardTokenizer tokenizes cards through the Stripe tokens API using
// the publishable key, so raw card data never reaches the payment backend.
type StripeCardTokenizer struct {
	tokens tokenCreator
}

// NewStripeCardTokenizer creates a tokenizer bound to a publishable key.
func NewStripeCardTokenizer(publishableKey string) (*StripeCardTokenizer, error) {
	key := strings.TrimSpace(publishableKey)
	if key == "" {
		return nil, errors.New("stripe publishable key is required for card tokenization")
	}
	api := client.New(key, nil)
	return &StripeCardTokenizer{tokens: api.Tokens}, nil
}

// Tokenize creates a card token.
func (t *StripeCardTokenizer) Tokenize(ctx context.Context, card models.CardDetails) (string, error) {
	month, year, err := card.ExpiryParts()
	if err != nil {
		return "", err
	}
	params := &stripe.TokenParams{
		Card: &stripe.CardParams{
			Number:   stripe.String(strings.ReplaceAll(card.Number, " ", "")),
			ExpMonth: stripe.String(month),
			ExpYear:  stripe.String(year),
			CVC:      stripe.String(card.CVV),
			Name:     stripe.String(card.HolderName),
		},
	}
	params.Context = ctx

	tok, err := t.tokens.New(params)
	if err != nil {
		return "", fmt.Errorf("tokenize card: %w", err)
	}
	if tok == nil || tok.ID == "" {
		return "", errors.New("tokenize card: empty token")
	}
	return tok.ID, nil
}
