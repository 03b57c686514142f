// Package security binds the ZRTP key agreement to the media path.
//
// A TransformEngine sits between the RTP transport and the application.
// Outbound media is protected with SRTP once the key agreement completes;
// inbound ZRTP packets are consumed and fed to the protocol engine. A
// Control owns one engine per media stream and coordinates the master
// stream (audio) with multistream slaves such as video.
//
// Session state changes surface as SecurityEvent values on the channel
// returned by Control.Events:
//
//	ctl := security.NewControl(security.ControlOptions{...})
//	go func() {
//		for ev := range ctl.Events() {
//			switch ev := ev.(type) {
//			case security.SecureOn:
//				fmt.Println("secured with", ev.Cipher, "SAS", ev.SAS)
//			case security.NegotiationFailed:
//				fmt.Println("key agreement failed:", ev.Code)
//			}
//		}
//	}()
//	ctl.Start(security.MediaAudio)
//
// All protocol timeouts of all engines run on one shared Scheduler.
package security
