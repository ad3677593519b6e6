package pairing

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/whisper/pairchat/internal/ban"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/relay"
	"github.com/whisper/pairchat/internal/report"
)

// Report records a report by reporterID against its current partner. The
// report that reaches the threshold bans the target's address and
// disconnects it; later reports only acknowledge.
func (s *Service) Report(ctx context.Context, reporterID, targetID string) []relay.Delivery {
	entry := log.WithFields(logrus.Fields{"reporter": reporterID, "target": targetID})

	r, err := s.Rooms.GetForClient(ctx, reporterID)
	if err != nil {
		entry.WithError(err).Warn("room lookup failed")
	}
	if r == nil || r.Partner(reporterID) != targetID {
		return []relay.Delivery{errorTo(reporterID, CodeInvalidReport, "you can only report your current partner")}
	}

	count, err := s.Bans.Report(ctx, targetID)
	if err != nil {
		entry.WithError(err).Warn("report count failed")
		if count == 0 {
			return []relay.Delivery{errorTo(reporterID, protocol.CodeInternal, "report not recorded")}
		}
	}
	metrics.ReportsTotal.Inc()
	banned := count >= s.cfg.ReportThreshold

	var (
		ds         []relay.Delivery
		targetAddr string
		triggered  bool
	)
	if sess, err := s.Sessions.Get(ctx, targetID); err != nil {
		entry.WithError(err).Warn("target session lookup failed")
	} else if sess != nil {
		targetAddr = sess.Addr
	}

	if ban.Crossed(count, s.cfg.ReportThreshold) {
		if targetAddr == "" {
			entry.Warn("threshold reached but target address unknown, not banning")
		} else if err := s.Bans.Ban(ctx, targetAddr, s.cfg.BanDuration, ban.ReasonReports); err != nil {
			entry.WithError(err).Warn("ban failed")
		} else {
			triggered = true
			metrics.BansTotal.Inc()
			entry.WithFields(logrus.Fields{"addr": targetAddr, "count": count}).Info("banned")
			kick := to(targetID, protocol.TypeBanned, protocol.BannedMsg{
				Reason:    ban.ReasonReports,
				ExpiresIn: int(s.cfg.BanDuration.Seconds()),
			})
			kick.Close = true
			ds = append(ds, kick)
		}
	}

	if s.Audit != nil {
		rec := &report.Report{
			ReporterID: reporterID,
			TargetID:   targetID,
			TargetAddr: targetAddr,
			RoomID:     r.ID,
			Count:      count,
			Banned:     triggered,
		}
		if err := s.Audit.Create(ctx, rec); err != nil {
			entry.WithError(err).Warn("audit write failed")
		}
	}

	ack := to(reporterID, protocol.TypeReportAck, protocol.ReportAckMsg{Count: int64(count), Banned: banned})
	return append([]relay.Delivery{ack}, ds...)
}
