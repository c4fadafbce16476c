package wire

// Limits represents the negotiated protocol limits
type Limits struct {
	MaxFrame int `cbor:"max_frame"`
}

// DefaultLimits returns the default protocol limits
func DefaultLimits() Limits {
	return Limits{MaxFrame: DefaultMaxFrame}
}

// NegotiateLimits returns the minimum of two limit sets
func NegotiateLimits(a, b Limits) Limits {
	return Limits{MaxFrame: min(a.MaxFrame, b.MaxFrame)}
}

func (l Limits) orDefault() Limits {
	if l.MaxFrame <= 0 {
		return DefaultLimits()
	}
	if l.MaxFrame > MaxFrameHardLimit {
		l.MaxFrame = MaxFrameHardLimit
	}
	return l
}
