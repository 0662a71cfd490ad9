package database

// Repositories holds one repository instance per entity, the single point
// of access the rest of the core wires against.
type Repositories struct {
	Users        *UserRepository
	Meters       *MeterRepository
	Readings     *ReadingRepository
	Epochs       *EpochRepository
	Orders       *OrderRepository
	Matches      *MatchRepository
	Settlements  *SettlementRepository
	Operations   *OperationRepository
	Audit        *AuditRepository
	MarketParams *MarketParamsRepository
}

// NewRepositories creates all repositories against the given client.
func NewRepositories(client *Client) *Repositories {
	return &Repositories{
		Users:        NewUserRepository(client),
		Meters:       NewMeterRepository(client),
		Readings:     NewReadingRepository(client),
		Epochs:       NewEpochRepository(client),
		Orders:       NewOrderRepository(client),
		Matches:      NewMatchRepository(client),
		Settlements:  NewSettlementRepository(client),
		Operations:   NewOperationRepository(client),
		Audit:        NewAuditRepository(client),
		MarketParams: NewMarketParamsRepository(client),
	}
}
