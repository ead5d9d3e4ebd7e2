package handlers

import "github.com/gin-gonic/gin"

// RegisterRoutes wires every control endpoint onto the router. Mutating
// endpoints addressing a specific peer additionally require the token
// to be bound to that peer.
func RegisterRoutes(router *gin.Engine) {
	router.GET("/", Health)
	router.POST("/auth/register", RegisterToken)

	authed := router.Group("/")
	authed.Use(AuthMiddleware())
	{
		authed.POST("/parties", CreateParty)
		authed.GET("/parties/:id", GetParty)
		authed.POST("/parties/:id/join", JoinParty)
		authed.GET("/parties/:id/peers", GetPeers)
		authed.GET("/parties/:id/peers/:peer_id", DiscoverPeer)
		authed.DELETE("/parties/:id/peers/:peer_id", RequirePeerMatch(), LeaveParty)
		authed.POST("/parties/:id/peers/:peer_id/heartbeat", RequirePeerMatch(), Heartbeat)

		authed.POST("/relays", RegisterRelay)
		authed.GET("/relays", GetRelays)
		authed.GET("/relays/:region", GetRelaysByRegion)
	}
}
