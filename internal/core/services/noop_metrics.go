package services

import "meshcall/internal/core/domain"

// NoopMetrics discards every signaling metric.
type NoopMetrics struct{}

func (NoopMetrics) RoomCreated()                    {}
func (NoopMetrics) RoomClosed()                     {}
func (NoopMetrics) ParticipantJoined()              {}
func (NoopMetrics) ParticipantLeft()                {}
func (NoopMetrics) IdentifierCollision()            {}
func (NoopMetrics) SignalRelayed(domain.SignalType) {}
func (NoopMetrics) SignalDropped(string)            {}
func (NoopMetrics) ChatRelayed(int)                 {}
func (NoopMetrics) DeliveryFailed()                 {}
