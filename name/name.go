// Package name implements the 64-bit ISOBUS/J1939 NAME: the identity token
// every control function carries into address claim.
package name

import "fmt"

// NAME is the 64-bit identity of a control function (ISO 11783-5 / J1939-81).
// Comparison is numeric: a lower raw value means higher claim priority.
type NAME uint64

// Bit widths and shifts of the NAME bitfields, LSB first.
const (
	identityBits     = 21
	manufacturerBits = 11
	ecuInstanceBits  = 3
	funcInstanceBits = 5
	funcCodeBits     = 8
	reservedBits     = 1
	deviceClassBits  = 7
	classInstBits    = 4
	industryBits     = 3
	selfConfigBits   = 1

	identityShift     = 0
	manufacturerShift = identityShift + identityBits
	ecuInstanceShift  = manufacturerShift + manufacturerBits
	funcInstanceShift = ecuInstanceShift + ecuInstanceBits
	funcCodeShift     = funcInstanceShift + funcInstanceBits
	reservedShift     = funcCodeShift + funcCodeBits
	deviceClassShift  = reservedShift + reservedBits
	classInstShift    = deviceClassShift + deviceClassBits
	industryShift     = classInstShift + classInstBits
	selfConfigShift   = industryShift + industryBits
)

func mask(bits uint) uint64 { return (uint64(1) << bits) - 1 }

// Raw returns the underlying 64-bit value.
func (n NAME) Raw() uint64 { return uint64(n) }

// Identity returns the 21-bit identity number field.
func (n NAME) Identity() uint32 { return uint32(uint64(n) >> identityShift & mask(identityBits)) }

// ManufacturerCode returns the 11-bit manufacturer code field.
func (n NAME) ManufacturerCode() uint16 {
	return uint16(uint64(n) >> manufacturerShift & mask(manufacturerBits))
}

// ECUInstance returns the 3-bit ECU instance field.
func (n NAME) ECUInstance() uint8 { return uint8(uint64(n) >> ecuInstanceShift & mask(ecuInstanceBits)) }

// FunctionInstance returns the 5-bit function instance field.
func (n NAME) FunctionInstance() uint8 {
	return uint8(uint64(n) >> funcInstanceShift & mask(funcInstanceBits))
}

// FunctionCode returns the 8-bit function code field.
func (n NAME) FunctionCode() uint8 { return uint8(uint64(n) >> funcCodeShift & mask(funcCodeBits)) }

// DeviceClass returns the 7-bit device class (vehicle system) field.
func (n NAME) DeviceClass() uint8 { return uint8(uint64(n) >> deviceClassShift & mask(deviceClassBits)) }

// DeviceClassInstance returns the 4-bit device class instance field.
func (n NAME) DeviceClassInstance() uint8 {
	return uint8(uint64(n) >> classInstShift & mask(classInstBits))
}

// IndustryGroup returns the 3-bit industry group field.
func (n NAME) IndustryGroup() uint8 { return uint8(uint64(n) >> industryShift & mask(industryBits)) }

// SelfConfigurable reports whether the arbitrary-address-capable bit is set.
func (n NAME) SelfConfigurable() bool {
	return uint64(n)>>selfConfigShift&mask(selfConfigBits) != 0
}

// Less reports whether n has strictly higher claim priority than other
// (lower raw NAME wins address-claim contests).
func (n NAME) Less(other NAME) bool { return uint64(n) < uint64(other) }

func (n NAME) String() string { return fmt.Sprintf("NAME(0x%016X)", uint64(n)) }

// Builder constructs a NAME field by field, saturating any oversized value to
// its field mask rather than returning a construction-time error. A caller
// that cares is expected to inspect Warnings() — silently saturating keeps a
// malformed constant from becoming a panic deep inside address claim.
type Builder struct {
	identity     uint32
	manufacturer uint16
	ecuInstance  uint8
	funcInstance uint8
	funcCode     uint8
	deviceClass  uint8
	classInst    uint8
	industry     uint8
	selfConfig   bool
	warnings     []string
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) saturate(field string, v uint64, bits uint) uint64 {
	m := mask(bits)
	if v > m {
		b.warnings = append(b.warnings, fmt.Sprintf("%s: value 0x%X exceeds %d-bit field, saturated to 0x%X", field, v, bits, m))
		return m
	}
	return v
}

// Identity sets the 21-bit identity number.
func (b *Builder) Identity(v uint32) *Builder {
	b.identity = uint32(b.saturate("identity", uint64(v), identityBits))
	return b
}

// ManufacturerCode sets the 11-bit manufacturer code.
func (b *Builder) ManufacturerCode(v uint16) *Builder {
	b.manufacturer = uint16(b.saturate("manufacturer_code", uint64(v), manufacturerBits))
	return b
}

// ECUInstance sets the 3-bit ECU instance.
func (b *Builder) ECUInstance(v uint8) *Builder {
	b.ecuInstance = uint8(b.saturate("ecu_instance", uint64(v), ecuInstanceBits))
	return b
}

// FunctionInstance sets the 5-bit function instance.
func (b *Builder) FunctionInstance(v uint8) *Builder {
	b.funcInstance = uint8(b.saturate("function_instance", uint64(v), funcInstanceBits))
	return b
}

// FunctionCode sets the 8-bit function code.
func (b *Builder) FunctionCode(v uint8) *Builder {
	b.funcCode = uint8(b.saturate("function_code", uint64(v), funcCodeBits))
	return b
}

// DeviceClass sets the 7-bit device class.
func (b *Builder) DeviceClass(v uint8) *Builder {
	b.deviceClass = uint8(b.saturate("device_class", uint64(v), deviceClassBits))
	return b
}

// DeviceClassInstance sets the 4-bit device class instance.
func (b *Builder) DeviceClassInstance(v uint8) *Builder {
	b.classInst = uint8(b.saturate("device_class_instance", uint64(v), classInstBits))
	return b
}

// IndustryGroup sets the 3-bit industry group.
func (b *Builder) IndustryGroup(v uint8) *Builder {
	b.industry = uint8(b.saturate("industry_group", uint64(v), industryBits))
	return b
}

// SelfConfigurable sets the arbitrary-address-capable bit.
func (b *Builder) SelfConfigurable(v bool) *Builder {
	b.selfConfig = v
	return b
}

// Warnings returns one message per field value that saturated when it was
// set.
func (b *Builder) Warnings() []string { return b.warnings }

// Build assembles the NAME from the fields set so far.
func (b *Builder) Build() NAME {
	var v uint64
	v |= uint64(b.identity) << identityShift
	v |= uint64(b.manufacturer) << manufacturerShift
	v |= uint64(b.ecuInstance) << ecuInstanceShift
	v |= uint64(b.funcInstance) << funcInstanceShift
	v |= uint64(b.funcCode) << funcCodeShift
	v |= uint64(b.deviceClass) << deviceClassShift
	v |= uint64(b.classInst) << classInstShift
	v |= uint64(b.industry) << industryShift
	if b.selfConfig {
		v |= uint64(1) << selfConfigShift
	}
	return NAME(v)
}
