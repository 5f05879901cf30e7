package webos

// SSAP endpoints used by the bridge
const (
	URIForegroundApp  = "ssap://com.webos.applicationManager/getForegroundAppInfo"
	URIGetVolume      = "ssap://audio/getVolume"
	URIGetAudioStatus = "ssap://audio/getStatus"
	URISetVolume      = "ssap://audio/setVolume"
	URISetMute        = "ssap://audio/setMute"
	URICurrentChannel = "ssap://tv/getCurrentChannel"
	URIChannelList    = "ssap://tv/getChannelList"
	URIOpenChannel    = "ssap://tv/openChannel"
	URITurnOff        = "ssap://system/turnOff"
	URILaunch         = "ssap://system.launcher/launch"
)

// LiveTVAppID is the foreground app id of the tuner
const LiveTVAppID = "com.webos.app.livetv"
