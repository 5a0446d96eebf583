package actuator

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jacobsa/go-serial/serial"
	"github.com/sigurn/crc16"
	"go.uber.org/zap"
)

const (
	funcWriteSingleCoil byte = 0x05
	exceptionFlag       byte = 0x80

	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000

	writeCoilFrameLen = 8
	exceptionFrameLen = 5
)

var modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// ErrBadFrame is returned when a slave response fails validation.
var ErrBadFrame = errors.New("modbus: bad response frame")

// ModbusOptions configures the Modbus RTU driver.
type ModbusOptions struct {
	Port     string
	BaudRate uint
	// TimeoutMillis bounds the wait for a response, rounded to 100ms by the serial driver.
	TimeoutMillis uint
	// Slaves maps device ids to slave addresses on the bus.
	Slaves map[string]int
}

// Modbus drives RS-485 relay boards with the "write single coil" function.
// Relay pin N is coil N-1.
type Modbus struct {
	mu     sync.Mutex
	port   io.ReadWriteCloser
	slaves map[string]byte
	logger *zap.Logger
}

// NewModbus opens the serial port.
func NewModbus(opts ModbusOptions, logger *zap.Logger) (*Modbus, error) {
	if opts.Port == "" {
		return nil, errors.New("actuator: modbus port is required")
	}
	if opts.BaudRate == 0 {
		opts.BaudRate = 9600
	}
	if opts.TimeoutMillis == 0 {
		opts.TimeoutMillis = 500
	}

	port, err := serial.Open(serial.OpenOptions{
		PortName:              opts.Port,
		BaudRate:              opts.BaudRate,
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: opts.TimeoutMillis,
		MinimumReadSize:       0,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}
	logger.Info("modbus port opened", zap.String("port", opts.Port), zap.Uint("baud", opts.BaudRate))

	m, err := newModbus(port, opts.Slaves, logger)
	if err != nil {
		port.Close()
		return nil, err
	}
	return m, nil
}

func newModbus(port io.ReadWriteCloser, slaves map[string]int, logger *zap.Logger) (*Modbus, error) {
	addrs := make(map[string]byte, len(slaves))
	for deviceID, addr := range slaves {
		if addr < 1 || addr > 247 {
			return nil, fmt.Errorf("actuator: slave address %d for %s out of range 1-247", addr, deviceID)
		}
		addrs[deviceID] = byte(addr)
	}
	return &Modbus{port: port, slaves: addrs, logger: logger}, nil
}

// SetRelay writes the coil for pin and validates the echoed response.
func (m *Modbus) SetRelay(ctx context.Context, deviceID string, pin int, on bool) error {
	slave, ok := m.slaves[deviceID]
	if !ok {
		return fmt.Errorf("no modbus slave configured for %s", deviceID)
	}
	if pin < 1 || pin > 0x10000 {
		return fmt.Errorf("pin %d out of coil range", pin)
	}

	request := WriteCoilFrame(slave, uint16(pin-1), on)

	// one transaction at a time on the shared bus
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := m.port.Write(request); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	response, err := readResponse(m.port)
	if err != nil {
		return err
	}
	if err := ValidateWriteCoilResponse(request, response); err != nil {
		return err
	}
	m.logger.Debug("coil written", zap.String("device_id", deviceID), zap.Int("pin", pin), zap.Bool("on", on))
	return nil
}

// Close releases the serial port.
func (m *Modbus) Close() error {
	return m.port.Close()
}

// WriteCoilFrame builds an RTU "write single coil" request.
func WriteCoilFrame(slave byte, coil uint16, on bool) []byte {
	value := coilOff
	if on {
		value = coilOn
	}
	frame := make([]byte, 0, writeCoilFrameLen)
	frame = append(frame, slave, funcWriteSingleCoil)
	frame = binary.BigEndian.AppendUint16(frame, coil)
	frame = binary.BigEndian.AppendUint16(frame, value)
	return appendCRC(frame)
}

// appendCRC appends the CRC-16/MODBUS checksum, low byte first.
func appendCRC(frame []byte) []byte {
	return binary.LittleEndian.AppendUint16(frame, crc16.Checksum(frame, modbusTable))
}

func checkCRC(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	body := frame[:len(frame)-2]
	return binary.LittleEndian.Uint16(frame[len(frame)-2:]) == crc16.Checksum(body, modbusTable)
}

// readResponse reads either a full echo or an exception frame.
func readResponse(r io.Reader) ([]byte, error) {
	buf := make([]byte, writeCoilFrameLen)
	if _, err := io.ReadFull(r, buf[:exceptionFrameLen]); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if buf[1]&exceptionFlag != 0 {
		return buf[:exceptionFrameLen], nil
	}
	if _, err := io.ReadFull(r, buf[exceptionFrameLen:]); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return buf, nil
}

// ValidateWriteCoilResponse checks that response is a correct echo of request.
func ValidateWriteCoilResponse(request, response []byte) error {
	if !checkCRC(response) {
		return fmt.Errorf("%w: crc mismatch", ErrBadFrame)
	}
	if len(response) == exceptionFrameLen && response[1]&exceptionFlag != 0 {
		return fmt.Errorf("%w: slave %d exception code 0x%02x", ErrBadFrame, response[0], response[2])
	}
	if !bytes.Equal(request, response) {
		return fmt.Errorf("%w: response does not echo request", ErrBadFrame)
	}
	return nil
}
