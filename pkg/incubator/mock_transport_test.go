//nolint:errcheck
package incubator

import (
	"incubator/pkg/protocol"
	"incubator/pkg/transport"

	"github.com/stretchr/testify/mock"
)

// MockTransport implements transport.Transport for testing
type MockTransport struct {
	mock.Mock
}

var _ transport.Transport = (*MockTransport)(nil)

func (m *MockTransport) Open(port string) (int, error) {
	args := m.Called(port)
	return args.Int(0), args.Error(1)
}

func (m *MockTransport) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockTransport) Send(payload []byte, length, deviceID, stackFloor byte) error {
	args := m.Called(payload, length, deviceID, stackFloor)
	return args.Error(0)
}

func (m *MockTransport) Read() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

// expectCommand expects mnemonic on floor with device id 2 and answers resp.
func (m *MockTransport) expectCommand(mnemonic string, floor byte, resp string) {
	f, _ := protocol.Encode(mnemonic, protocol.DefaultDeviceID, int(floor))
	m.On("Send", f.Payload, f.Length, f.DeviceID, f.StackFloor).Return(nil).Once()
	m.On("Read").Return(resp, nil).Once()
}
