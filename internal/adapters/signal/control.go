package signal

func (ctl *HubController) handlePing(conn *WsSignalConn) {
	ctl.sendJSON(conn, envelope{Type: framePong})
}

func (ctl *HubController) sendError(conn *WsSignalConn, code string) {
	ctl.sendJSON(conn, envelope{Type: frameError, Error: code})
}
