// Package bridge orchestrates one call: it joins the telephony media stream
// to the conversational session, running a telephony-to-session loop, a
// session-to-telephony loop and a periodic buffer flush concurrently until
// either side ends the call.
package bridge
