package mqttv3

// handlePacket processes one inbound packet on the loop. It returns
// errTornDown when the packet ended the connection.
func (s *Session) handlePacket(pkt Packet) error {
	var err error
	s.metrics.packetReceived(pkt.Type())

	switch p := pkt.(type) {
	case *ConnackPacket:
		return s.handleConnack(p)
	case *PublishPacket:
		err = s.handlePublish(p)
	case *PubackPacket:
		err = s.handleAck(PacketPUBACK, p.PacketID)
	case *PubrecPacket:
		err = s.handlePubrec(p)
	case *PubrelPacket:
		err = s.handlePubrel(p)
	case *PubcompPacket:
		err = s.handleAck(PacketPUBCOMP, p.PacketID)
	case *SubackPacket:
		return s.handleSuback(p)
	case *UnsubackPacket:
		err = s.handleUnsuback(p)
	case *PingrespPacket:
		s.pingTimer.Stop()
	default:
		err = NewProtocolError(pkt.Type(), "unexpected packet from broker")
	}

	if err != nil {
		s.fail(err)
		return errTornDown
	}
	return nil
}

func (s *Session) handleConnack(p *ConnackPacket) error {
	if _, err := s.tracker.Acknowledge(PacketCONNACK, 0); err != nil {
		s.fail(err)
		return errTornDown
	}
	s.commandTimer.Stop()

	code := p.ReturnCode
	if code == ConnackUnknown {
		code = ConnackCode(p.Raw)
	}
	if code != ConnackAccepted {
		s.fail(NewConnectError(code))
		return errTornDown
	}

	s.setState(StateSubscribing)
	s.subscribeAttempts = 0
	if err := s.sendSubscriptions(); err != nil {
		s.fail(err)
		return errTornDown
	}
	return nil
}

func (s *Session) handlePublish(p *PublishPacket) error {
	if s.State() != StateConnected && s.State() != StateSubscribing {
		return NewProtocolError(PacketPUBLISH, "publish before session established")
	}

	s.logger.Debug("message received", LogFields{
		LogFieldTopic:    p.Topic,
		LogFieldQoS:      p.QoS,
		LogFieldPacketID: p.PacketID,
	})

	switch p.QoS {
	case 1:
		if err := s.send(&PubackPacket{PacketID: p.PacketID}); err != nil {
			return err
		}
	case 2:
		if err := s.send(&PubrecPacket{PacketID: p.PacketID}); err != nil {
			return err
		}
		if _, seen := s.inbound[p.PacketID]; seen {
			return nil
		}
		s.inbound[p.PacketID] = struct{}{}
	}

	s.metrics.messageReceived(p.QoS)
	if msg := applyConsumerInterceptors(s.logger, s.options.consumerInterceptors, p.ToMessage()); msg != nil {
		s.registry.Dispatch(msg)
	}
	return nil
}

func (s *Session) handlePubrel(p *PubrelPacket) error {
	delete(s.inbound, p.PacketID)
	return s.send(&PubcompPacket{PacketID: p.PacketID})
}

// handleAck completes a command whose flow ends with ack.
func (s *Session) handleAck(ack PacketType, id uint16) error {
	cmd, err := s.tracker.Acknowledge(ack, id)
	if err != nil {
		return err
	}
	s.commandTimer.Stop()
	cmd.complete(nil)
	return nil
}

// handlePubrec replaces the pending PUBLISH with a PUBREL awaiting PUBCOMP.
func (s *Session) handlePubrec(p *PubrecPacket) error {
	cmd, err := s.tracker.Acknowledge(PacketPUBREC, p.PacketID)
	if err != nil {
		return err
	}
	s.commandTimer.Stop()

	frame, err := EncodePacket(&PubrelPacket{PacketID: p.PacketID}, uint32(s.options.txSize))
	if err != nil {
		return err
	}

	return s.issue(&PendingCommand{
		Type:     PacketPUBREL,
		Ack:      PacketPUBCOMP,
		PacketID: p.PacketID,
		Frame:    frame,
		Topic:    cmd.Topic,
		done:     cmd.done,
	})
}

func (s *Session) handleSuback(p *SubackPacket) error {
	cmd, err := s.tracker.Acknowledge(PacketSUBACK, p.PacketID)
	if err != nil {
		s.fail(err)
		return errTornDown
	}
	s.commandTimer.Stop()

	code, failed := p.Failed()

	if s.State() == StateSubscribing {
		if !failed {
			s.established()
			return nil
		}

		s.subscribeAttempts++
		if s.subscribeAttempts < 2 {
			s.logger.Warn("subscription refused, retrying", LogFields{LogFieldTopic: cmd.Filters})
			s.subscribeTimer.Restart(s.options.subscribeRetryDelay)
			return nil
		}

		s.fail(&SubscribeError{Filters: cmd.Filters, Code: code})
		return errTornDown
	}

	if failed {
		for _, filter := range cmd.Filters {
			s.registry.Remove(filter)
		}
		cmd.complete(&SubscribeError{Filters: cmd.Filters, Code: code})
		return nil
	}

	cmd.complete(nil)
	return nil
}

func (s *Session) handleUnsuback(p *UnsubackPacket) error {
	cmd, err := s.tracker.Acknowledge(PacketUNSUBACK, p.PacketID)
	if err != nil {
		return err
	}
	s.commandTimer.Stop()

	for _, filter := range cmd.Filters {
		s.registry.Remove(filter)
	}
	cmd.complete(nil)
	return nil
}
