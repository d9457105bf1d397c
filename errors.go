package canopen

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrRxOverflow      = errors.New("previous message was not processed yet")
	ErrRxMsgLength     = errors.New("wrong receive message length")
	ErrTxOverflow      = errors.New("previous message is still waiting, buffer full")
	ErrOdParameters    = errors.New("error in Object Dictionary parameters")
	ErrTxBusy          = errors.New("sending rejected because driver is busy. Try again")
	ErrInvalidState    = errors.New("driver not ready")
	ErrLocalBusy       = errors.New("local SDO server is busy with another transfer")
	ErrNoBus           = errors.New("no CAN bus attached")
)
