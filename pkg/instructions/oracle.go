package instructions

// The oracle program is read-only from this core's perspective: it
// publishes a price reference, but nothing here ever submits an
// instruction against it. There is deliberately no builder in this file,
// and no code in this core reads the oracle account either: priority fees
// come from pkg/ledger's getRecentPrioritizationFees sample and the
// configured floors.
