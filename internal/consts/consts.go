package consts

const (
	BASEMVA = 100.0 // Default system base power (MVA)
	ABSTOL  = 1e-8  // Power mismatch convergence tolerance (pu)
	MAXITER = 20    // Default iteration cap for the driving loop
	FLATV   = 1.0   // Flat-start voltage magnitude (pu)
)
