package serializer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"reflect"
	"sort"
	"unsafe"
)

var (
	emptyStructType  = reflect.TypeOf(struct{}{})
	emptyStructValue = reflect.ValueOf(struct{}{})
)

// Serialize accepts an arbitrary value or pointer and returns its []byte representation.
// Integers are fixed width little endian, slices/maps/strings carry a compact
// length prefix, struct fields are written in declaration order.
func Serialize(v any) []byte {
	val := reflect.ValueOf(v)

	if val.Kind() == reflect.Ptr && !val.IsNil() {
		val = val.Elem()
	}

	buf := bytes.NewBuffer(make([]byte, 0, 256))
	serializeValue(val, buf)

	return buf.Bytes()
}

func Deserialize(data []byte, target any) error {
	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("deserialize target must be a non-nil pointer")
	}

	buf := bytes.NewBuffer(data)
	if err := deserializeValue(val.Elem(), buf); err != nil {
		return err
	}

	if buf.Len() > 0 {
		return fmt.Errorf("extra %d bytes left after deserialization", buf.Len())
	}

	return nil
}

func serializeValue(v reflect.Value, buf *bytes.Buffer) {
	typ := v.Type()

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			buf.WriteByte(0)
			return
		}
		buf.WriteByte(1)
		serializeValue(v.Elem(), buf)
		return

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			serializeValue(v.Field(i), buf)
		}
		return

	case reflect.Map:
		serializeMap(v, buf)
		return

	case reflect.Array, reflect.Slice:
		serializeSlice(v, buf)
		return

	case reflect.String:
		s := v.String()
		buf.Write(EncodeGeneralNatural(uint64(len(s))))
		buf.WriteString(s)
		return

	case reflect.Bool:
		if v.Bool() {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		return

	case reflect.Float32:
		buf.Write(EncodeLittleEndian(4, uint64(math.Float32bits(float32(v.Float())))))
		return

	case reflect.Float64:
		buf.Write(EncodeLittleEndian(8, math.Float64bits(v.Float())))
		return

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		l := int(typ.Size())
		buf.Write(EncodeLittleEndian(l, SignedToUnsigned(l, v.Int())))
		return

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		l := int(typ.Size())
		buf.Write(EncodeLittleEndian(l, v.Uint()))
		return

	default:
		panic(fmt.Sprintf("unsupported kind: %s", v.Kind()))
	}
}

func deserializeValue(v reflect.Value, buf *bytes.Buffer) error {
	vType := v.Type()

	switch v.Kind() {
	case reflect.Ptr:
		b, err := buf.ReadByte()
		if err != nil {
			return fmt.Errorf("failed to read pointer tag: %w", err)
		}
		if b == 0 {
			return nil
		}
		if v.IsNil() {
			v.Set(reflect.New(vType.Elem()))
		}
		return deserializeValue(v.Elem(), buf)

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := deserializeValue(v.Field(i), buf); err != nil {
				return fmt.Errorf("failed to deserialize field %s: %w", vType.Field(i).Name, err)
			}
		}
		return nil

	case reflect.Map:
		return deserializeMap(v, buf)

	case reflect.Array, reflect.Slice:
		return deserializeSlice(v, buf)

	case reflect.String:
		n, err := readLength(buf)
		if err != nil {
			return fmt.Errorf("failed to decode string length: %w", err)
		}
		if uint64(buf.Len()) < n {
			return fmt.Errorf("string of length %d exceeds remaining %d bytes", n, buf.Len())
		}
		v.SetString(string(buf.Next(int(n))))
		return nil

	case reflect.Bool:
		b, err := buf.ReadByte()
		if err != nil {
			return fmt.Errorf("failed to read bool: %w", err)
		}
		v.SetBool(b != 0)
		return nil

	case reflect.Float32:
		x, err := readFixed(buf, 4)
		if err != nil {
			return err
		}
		v.SetFloat(float64(math.Float32frombits(uint32(x))))
		return nil

	case reflect.Float64:
		x, err := readFixed(buf, 8)
		if err != nil {
			return err
		}
		v.SetFloat(math.Float64frombits(x))
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		l := int(vType.Size())
		x, err := readFixed(buf, l)
		if err != nil {
			return fmt.Errorf("failed to read integer bytes: %w", err)
		}
		v.SetInt(UnsignedToSigned(l, x))
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		x, err := readFixed(buf, int(vType.Size()))
		if err != nil {
			return fmt.Errorf("failed to read unsigned integer bytes: %w", err)
		}
		v.SetUint(x)
		return nil

	default:
		return fmt.Errorf("unsupported kind for deserialization: %s", v.Kind())
	}
}

func readFixed(buf *bytes.Buffer, l int) (uint64, error) {
	var b [8]byte
	if buf.Len() < l {
		return 0, fmt.Errorf("need %d bytes, have %d", l, buf.Len())
	}
	copy(b[:l], buf.Next(l))
	return DecodeLittleEndian(b[:l]), nil
}

func readLength(buf *bytes.Buffer) (uint64, error) {
	n, used, ok := DecodeGeneralNatural(buf.Bytes())
	if !ok {
		return 0, fmt.Errorf("malformed length prefix")
	}
	buf.Next(used)
	return n, nil
}

// serializeMap writes the length then each key-value pair in key order.
// Maps with value type struct{} are sets and only their keys are written.
func serializeMap(v reflect.Value, buf *bytes.Buffer) {
	keys := v.MapKeys()

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		switch a.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return a.Int() < b.Int()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			return a.Uint() < b.Uint()
		case reflect.String:
			return a.String() < b.String()
		default:
			return fmt.Sprintf("%v", a.Interface()) < fmt.Sprintf("%v", b.Interface())
		}
	})

	buf.Write(EncodeGeneralNatural(uint64(len(keys))))

	isSet := v.Type().Elem() == emptyStructType
	for _, key := range keys {
		serializeValue(key, buf)
		if !isSet {
			serializeValue(v.MapIndex(key), buf)
		}
	}
}

func deserializeMap(v reflect.Value, buf *bytes.Buffer) error {
	length, err := readLength(buf)
	if err != nil {
		return fmt.Errorf("failed to decode map length: %w", err)
	}

	if v.IsNil() {
		v.Set(reflect.MakeMap(v.Type()))
	}

	typ := v.Type()
	isSet := typ.Elem() == emptyStructType

	for i := uint64(0); i < length; i++ {
		key := reflect.New(typ.Key()).Elem()
		if err := deserializeValue(key, buf); err != nil {
			return fmt.Errorf("failed to deserialize map key: %w", err)
		}
		if isSet {
			v.SetMapIndex(key, emptyStructValue)
			continue
		}
		value := reflect.New(typ.Elem()).Elem()
		if err := deserializeValue(value, buf); err != nil {
			return fmt.Errorf("failed to deserialize map value: %w", err)
		}
		v.SetMapIndex(key, value)
	}

	return nil
}

// serializeSlice handles array/slice serialization.
// For slices (but not arrays), it encodes the length first.
func serializeSlice(v reflect.Value, buf *bytes.Buffer) {
	vKind := v.Kind()
	vLen := v.Len()
	vType := v.Type()

	if vKind == reflect.Slice {
		buf.Write(EncodeGeneralNatural(uint64(vLen)))
	}

	// Fast path for byte slices/arrays
	if vType.Elem().Kind() == reflect.Uint8 {
		if vKind == reflect.Slice {
			buf.Write(v.Bytes())
		} else if v.CanAddr() {
			buf.Write(unsafe.Slice((*byte)(unsafe.Pointer(v.UnsafeAddr())), vLen))
		} else {
			slice := reflect.MakeSlice(reflect.SliceOf(vType.Elem()), vLen, vLen)
			reflect.Copy(slice, v)
			buf.Write(slice.Bytes())
		}
		return
	}

	for i := 0; i < vLen; i++ {
		serializeValue(v.Index(i), buf)
	}
}

func deserializeSlice(v reflect.Value, buf *bytes.Buffer) error {
	vKind := v.Kind()
	vType := v.Type()

	length := v.Len()
	if vKind == reflect.Slice {
		n, err := readLength(buf)
		if err != nil {
			return fmt.Errorf("failed to decode slice length: %w", err)
		}
		if n > uint64(buf.Len()) && vType.Elem().Size() > 0 {
			return fmt.Errorf("slice length %d exceeds remaining %d bytes", n, buf.Len())
		}
		length = int(n)
		v.Set(reflect.MakeSlice(vType, length, length))
	}

	if vType.Elem().Kind() == reflect.Uint8 {
		if buf.Len() < length {
			return fmt.Errorf("need %d bytes, have %d", length, buf.Len())
		}
		data := buf.Next(length)
		if vKind == reflect.Slice {
			copy(v.Bytes(), data)
			return nil
		}
		for i := 0; i < length; i++ {
			v.Index(i).SetUint(uint64(data[i]))
		}
		return nil
	}

	for i := 0; i < length; i++ {
		if err := deserializeValue(v.Index(i), buf); err != nil {
			return fmt.Errorf("failed to deserialize element %d: %w", i, err)
		}
	}

	return nil
}

// EncodeGeneralNatural encodes a uint64 value using the compact encoding format.
// It follows three cases:
//  1. x == 0: output a single 0x00 octet.
//  2. x fits in a computed header + remainder format.
//  3. Otherwise, output 0xFF followed by x as 8 little-endian octets.
func EncodeGeneralNatural(x uint64) []byte {
	if x == 0 {
		return []byte{0x00}
	}

	l := uint((bits.Len64(x) - 1) / 7)

	if l < 8 {
		header := (1 << 8) - (1 << (8 - l)) + (x >> (8 * l))
		result := []byte{byte(header)}
		if l > 0 {
			remainder := x & ((uint64(1) << (8 * l)) - 1)
			result = append(result, EncodeLittleEndian(int(l), remainder)...)
		}
		return result
	}

	result := []byte{0xFF}
	return binary.LittleEndian.AppendUint64(result, x)
}

func EncodeLittleEndian(octets int, x uint64) []byte {
	switch octets {
	case 1:
		return []byte{byte(x)}
	case 2:
		return binary.LittleEndian.AppendUint16(nil, uint16(x))
	case 4:
		return binary.LittleEndian.AppendUint32(nil, uint32(x))
	case 8:
		return binary.LittleEndian.AppendUint64(nil, x)
	default:
		result := make([]byte, octets)
		for i := 0; i < octets; i++ {
			result[i] = byte(x)
			x >>= 8
		}
		return result
	}
}

func countLeadingOnes(b byte) int {
	return bits.LeadingZeros8(^b)
}

func DecodeGeneralNatural(p []byte) (x uint64, n int, ok bool) {
	if len(p) == 0 {
		return 0, 0, false
	}

	header := p[0]
	if header == 0x00 {
		return 0, 1, true
	}
	if header == 0xFF {
		if len(p) < 9 {
			return 0, 0, false
		}
		return binary.LittleEndian.Uint64(p[1:9]), 9, true
	}
	l := countLeadingOnes(header)
	base := byte(int(1<<8) - (1 << (8 - l)))
	high := uint64(header - base)
	if len(p) < 1+l {
		return 0, 0, false
	}
	remainder := DecodeLittleEndian(p[1 : 1+l])
	return (high << (8 * l)) | remainder, 1 + l, true
}

func DecodeLittleEndian(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	default:
		var x uint64
		for i, v := range b {
			x |= uint64(v) << (8 * i)
		}
		return x
	}
}

// UnsignedToSigned converts an unsigned integer x (assumed to be in [0, 2^(8*n)))
// into its two's complement signed representation as an int64.
func UnsignedToSigned(octets int, x uint64) int64 {
	if octets == 8 {
		return int64(x)
	}
	totalBits := 8 * octets
	signBit := uint64(1) << uint(totalBits-1)
	if x < signBit {
		return int64(x)
	}
	return int64(x) - int64(uint64(1)<<uint(totalBits))
}

// SignedToUnsigned converts a signed integer into its unsigned natural
// representation in [0, 2^(8*l)).
func SignedToUnsigned(octets int, a int64) uint64 {
	if octets == 8 {
		return uint64(a)
	}
	modVal := uint64(1) << uint(8*octets)
	return (modVal + uint64(a)) % modVal
}
