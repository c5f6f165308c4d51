package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdempotencyKey(t *testing.T) {
	require.Equal(t, "hotmart:HP-1:sale:producer", IdempotencyKey("hotmart", "HP-1", EventSale, ActorProducer))

	// Двоеточие внутри части не склеивает разные транзакции
	first := IdempotencyKey("a:b", "c", EventRefund, ActorProducer)
	second := IdempotencyKey("a", "b:c", EventRefund, ActorProducer)
	require.NotEqual(t, first, second)
	require.Equal(t, `a\:b:c:refund:producer`, first)
	require.Equal(t, `a:b\:c:refund:producer`, second)

	require.NotEqual(t,
		IdempotencyKey(`a\`, "b", EventSale, ActorProducer),
		IdempotencyKey("a", `\b`, EventSale, ActorProducer))
}
