package envelope

// MockKernel is the cheap closed-form envelope, grounded on
// original_source/router/envelope.py.
type MockKernel struct{}

func NewMockKernel() *MockKernel { return &MockKernel{} }

func (k *MockKernel) Name() string    { return "mock" }
func (k *MockKernel) Version() string { return "mock_v1" }

func (k *MockKernel) Compute(dir Direction, confidence float64, size float64, vetoed bool, _ SeedInput) Envelope {
	if vetoed {
		return Vetoed(k.Name(), k.Version())
	}

	c := clamp01(confidence)
	pFlat := clamp01(0.65 - 0.50*c)
	pDir := clamp01(1.0 - pFlat)

	var pLong, pShort float64
	switch dir {
	case Long:
		pLong = pDir
	case Short:
		pShort = pDir
	default: // Flat
		pFlat = 1.0
		pLong = 0
		pShort = 0
	}

	band := (0.20 + 0.60*(1.0-c)) * abs(size)
	sizeMin := size - band
	if sizeMin < 0 {
		sizeMin = 0
	}
	sizeMax := size + band

	return Envelope{
		PFlat:   pFlat,
		PLong:   pLong,
		PShort:  pShort,
		PVetoed: 0,
		SizeMin: sizeMin,
		SizeMax: sizeMax,
		Kernel:  k.Name(),
		Version: k.Version(),
	}
}
