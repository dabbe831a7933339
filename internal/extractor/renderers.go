package extractor

// ExtensionMode decides whether and how extension (hardware) decoders are
// used next to the built-in software decoder.
type ExtensionMode int

const (
	// ExtensionOff uses only the built-in decoder.
	ExtensionOff ExtensionMode = iota
	// ExtensionOn tries extension decoders after the built-in one.
	ExtensionOn
	// ExtensionPrefer tries extension decoders before the built-in one.
	ExtensionPrefer
)

func (m ExtensionMode) String() string {
	switch m {
	case ExtensionOff:
		return "off"
	case ExtensionOn:
		return "on"
	case ExtensionPrefer:
		return "prefer"
	default:
		return "unknown"
	}
}

// BuildExtensionMode maps the two user switches onto a mode.
func BuildExtensionMode(useExtensions, preferExtension bool) ExtensionMode {
	if !useExtensions {
		return ExtensionOff
	}
	if preferExtension {
		return ExtensionPrefer
	}
	return ExtensionOn
}

// DecoderOrder lists the decoders to try, in order. The built-in decoder is
// represented by the empty string.
func DecoderOrder(mode ExtensionMode, extensions []string) []string {
	order := make([]string, 0, len(extensions)+1)
	switch mode {
	case ExtensionOn:
		order = append(order, "")
		order = append(order, extensions...)
	case ExtensionPrefer:
		order = append(order, extensions...)
		order = append(order, "")
	default:
		order = append(order, "")
	}
	return order
}
