package sip2

// Dialect names the SIP2 server implementation a Config targets (spec.md
// §5.1). The Client carries it in Config but does not read it: every
// dialect is sent the same baseline messages and its responses are parsed
// the same way.
type Dialect string

const (
	DialectGenericILS Dialect = "generic_ils"
	DialectPolaris    Dialect = "polaris"
	DialectSirsiDynix Dialect = "sirsidynix_symphony"
)

// Encoding is the character encoding SIP2 servers expect on the wire.
// Field Seperator in SIP2 is otherwise a protocol-level concept, independent
// of encoding, but most deployments pair CP850 with pre-Unicode ILSes.
type Encoding string

const (
	EncodingUTF8  Encoding = "utf-8"
	EncodingCP850 Encoding = "cp850"
)
