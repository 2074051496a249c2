package credits

import "fmt"

// OperationKind names a priced, paid operation.
type OperationKind string

const (
	OperationSingleCardReading OperationKind = "single_card_reading"
	OperationThreeCardReading  OperationKind = "three_card_reading"
	OperationFiveCardReading   OperationKind = "five_card_reading"
	OperationFollowUpQuestion  OperationKind = "follow_up_question"
)

// String returns the operation name.
func (kind OperationKind) String() string {
	return string(kind)
}

// ParseOperationKind validates an operation kind name.
func ParseOperationKind(raw string) (OperationKind, error) {
	switch OperationKind(raw) {
	case OperationSingleCardReading, OperationThreeCardReading, OperationFiveCardReading, OperationFollowUpQuestion:
		return OperationKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOperationKind, raw)
}

// TransactionKind maps a priced operation to the ledger kind its debit is
// recorded under.
func (kind OperationKind) TransactionKind() TransactionKind {
	if kind == OperationFollowUpQuestion {
		return KindQuestion
	}
	return KindReading
}

// PriceTable is the fixed price list for paid operations.
type PriceTable map[OperationKind]PositiveAmount

// DefaultPriceTable returns the standard price list.
func DefaultPriceTable() PriceTable {
	return PriceTable{
		OperationSingleCardReading: 1,
		OperationThreeCardReading:  2,
		OperationFiveCardReading:   3,
		OperationFollowUpQuestion:  1,
	}
}

// CostOf returns the fixed price of an operation. Pure lookup; no account
// interaction.
func (service *Service) CostOf(kind OperationKind) (PositiveAmount, error) {
	price, ok := service.prices[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOperationKind, kind)
	}
	return price, nil
}

// Prices returns a copy of the active price table.
func (service *Service) Prices() PriceTable {
	copied := make(PriceTable, len(service.prices))
	for kind, price := range service.prices {
		copied[kind] = price
	}
	return copied
}
