package motion

// Hardware is the blocking channel to the wheel electronics. Every call is
// bounded in time and issued only from the poll loop goroutine.
type Hardware interface {
	ReadBit(pin int) (bool, error)
	WriteBit(pin int, v bool) error
	SendMotorCommand(cmd string) (string, error)
	ReadEncoderPosition() (float64, error)
	ReadMotorStatus() (int, error)
}
